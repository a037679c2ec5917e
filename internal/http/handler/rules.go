package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"taskrelay.app/relay/internal/rules"
)

func RulesSchema(c *gin.Context) {
	c.JSON(http.StatusOK, rules.Schema())
}
