// Package response standardizes the JSON envelope of the HTTP
// endpoints.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response is the uniform envelope: code 200 on success, an error code
// otherwise.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"msg"`
	Data    interface{} `json:"data"`
}

// Success writes a 200 envelope.
func Success(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"code": 200,
		"msg":  msg,
		"data": data,
	})
}

// Fail writes an error envelope with the given HTTP status.
func Fail(c *gin.Context, httpStatus int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code": httpStatus,
		"msg":  msg,
		"data": nil,
	})
}
