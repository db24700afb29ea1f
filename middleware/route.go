package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	midsec "convocore/middleware/security"
	"convocore/tools/errs"
)

type RouteOpt struct {
	IsAuth bool
}

var authOpts *midsec.Options

// ConfigureAuth installs the JWT options used by authenticated routes.
func ConfigureAuth(opts *midsec.Options) { authOpts = opts }

func POST(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.IsAuth {
		r.POST(path, midsec.Middleware(authOpts), handler)
	} else {
		r.POST(path, handler)
	}
}

func GET(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.IsAuth {
		r.GET(path, midsec.Middleware(authOpts), handler)
	} else {
		r.GET(path, handler)
	}
}

// AbortWithError renders a taxonomy error as its HTTP mapping.
func AbortWithError(c *gin.Context, err error) {
	code := errs.Code(err)
	if code == 0 {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"msg": err.Error()})
		return
	}
	c.AbortWithStatusJSON(errs.HTTPStatus(code), gin.H{"code": code, "msg": err.Error()})
}
