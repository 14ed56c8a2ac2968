package fieldcrypt

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fieldcrypt/hooks"
)

// APIOptions configures RegisterFieldEncryptionAPI.
type APIOptions struct {
	// Authenticator approves a request. Nil allows superusers only.
	Authenticator func(*core.RequestEvent) bool
	// Hooks supplies the default fields of a collection when a status
	// request does not name any.
	Hooks *hooks.Hooks
	// Gatherer, when set, is served at /api/field-encryption/metrics.
	Gatherer prometheus.Gatherer
}

// RegisterFieldEncryptionAPI registers the field encryption endpoints:
//
//	POST /api/field-encryption/apply
//	POST /api/field-encryption/dry-run
//	GET  /api/field-encryption/status/{collection}?fields=a,b
func RegisterFieldEncryptionAPI(app core.App, fe *FieldEncrypter, opts APIOptions) {
	auth := opts.Authenticator
	if auth == nil {
		auth = isSuperuser
	}

	guard := func(next func(*core.RequestEvent) error) func(*core.RequestEvent) error {
		return func(re *core.RequestEvent) error {
			if !auth(re) {
				return re.JSON(http.StatusForbidden, map[string]string{
					"error": "superuser access required",
				})
			}
			return next(re)
		}
	}

	apply := func(dryRun bool) func(*core.RequestEvent) error {
		return func(re *core.RequestEvent) error {
			var req FieldEncryptionRequest
			if err := json.NewDecoder(re.Request.Body).Decode(&req); err != nil {
				return re.JSON(http.StatusBadRequest, map[string]string{
					"error": "invalid request body",
				})
			}
			if dryRun {
				req.DryRun = true
			}

			result, err := fe.Apply(re.Request.Context(), req)
			if err != nil {
				return re.JSON(statusFor(err), map[string]any{
					"error":  err.Error(),
					"result": result,
				})
			}
			return re.JSON(http.StatusOK, result)
		}
	}

	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		se.Router.POST("/api/field-encryption/apply", guard(apply(false)))
		se.Router.POST("/api/field-encryption/dry-run", guard(apply(true)))

		se.Router.GET("/api/field-encryption/status/{collection}", guard(func(re *core.RequestEvent) error {
			collection := re.Request.PathValue("collection")
			fields := splitFields(re.Request.URL.Query().Get("fields"))
			if len(fields) == 0 && opts.Hooks != nil {
				fields = opts.Hooks.Collections()[collection]
			}

			status, err := fe.Status(re.Request.Context(), collection, fields)
			if err != nil {
				return re.JSON(statusFor(err), map[string]string{
					"error": err.Error(),
				})
			}
			return re.JSON(http.StatusOK, status)
		}))

		if opts.Gatherer != nil {
			se.Router.GET("/api/field-encryption/metrics",
				guard(apis.WrapStdHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))))
		}
		return se.Next()
	})
}

// RegisterDefaultFieldEncryptionAPI registers the field encryption API for
// superusers only.
func RegisterDefaultFieldEncryptionAPI(app core.App, fe *FieldEncrypter, h *hooks.Hooks) {
	RegisterFieldEncryptionAPI(app, fe, APIOptions{Hooks: h})
}

func statusFor(err error) int {
	if errors.Is(err, ErrInvalidRequest) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func splitFields(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func isSuperuser(e *core.RequestEvent) bool {
	return e.Auth != nil && e.Auth.IsSuperuser()
}
