package template

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListHandler は利用可能なテンプレートの一覧を返すハンドラーを返します。
func ListHandler(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		infos := s.List()
		c.JSON(http.StatusOK, gin.H{
			"templates": infos,
			"count":     len(infos),
		})
	}
}

// DetailHandler はテンプレート1件のメタデータを返すハンドラーを返します。
func DetailHandler(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := s.Describe(c.Param("name"))
		switch {
		case err == nil:
			c.JSON(http.StatusOK, info)
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "TEMPLATE_NOT_FOUND",
				"message": "指定されたテンプレートは存在しません。",
			})
		case errors.Is(err, ErrUnsupported):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"code":    "TEMPLATE_UNSUPPORTED",
				"message": "このテンプレートの差し込み形式には対応していません。",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "テンプレートを解析できませんでした。",
			})
		}
	}
}
