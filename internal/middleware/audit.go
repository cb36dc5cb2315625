package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/huangang/issuesentry/pkg/logger"
)

const auditBodyLimit = 2000

var sensitiveKeys = []string{"api_token", "apitoken", "api_key", "apikey", "token", "secret", "password"}

// AuditLog writes one structured line per admin write (POST/PUT/DELETE).
func AuditLog() gin.HandlerFunc {
	audit := logger.With("audit")
	return func(c *gin.Context) {
		method := c.Request.Method
		if method != "POST" && method != "PUT" && method != "DELETE" {
			c.Next()
			return
		}

		var body string
		if c.Request.Body != nil {
			raw, _ := io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(raw))
			body = maskSensitiveFields(raw)
			if len(body) > auditBodyLimit {
				body = body[:auditBodyLimit] + "...[truncated]"
			}
		}

		c.Next()

		module, action := parseRouteInfo(c.FullPath(), method)
		status := c.Writer.Status()
		outcome := "ok"
		if status >= 400 {
			outcome = "failed"
		}
		audit.Info().
			Str("operator", GetOperator(c)).
			Str("module", module).
			Str("action", action).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Str("ip", c.ClientIP()).
			Str("body", body).
			Msgf("[Audit] %s %s %s", method, c.Request.URL.Path, outcome)
	}
}

// parseRouteInfo maps "/api/llm-configs/:id" + PUT to ("llm-configs", "update").
func parseRouteInfo(fullPath, method string) (module, action string) {
	path := strings.TrimPrefix(fullPath, "/api/")
	parts := strings.SplitN(path, "/", 2)
	module = parts[0]
	if module == "" {
		module = "unknown"
	}

	switch method {
	case "POST":
		action = "create"
	case "PUT":
		action = "update"
	case "DELETE":
		action = "delete"
	default:
		action = strings.ToLower(method)
	}
	return module, action
}

// maskSensitiveFields replaces secret values in a JSON object body. Bodies
// that are not JSON objects are dropped entirely.
func maskSensitiveFields(raw []byte) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "[unparsed body omitted]"
	}
	maskMap(obj)
	out, err := json.Marshal(obj)
	if err != nil {
		return "[unparsed body omitted]"
	}
	return string(out)
}

func maskMap(obj map[string]any) {
	for k, v := range obj {
		if isSensitive(k) {
			obj[k] = "***"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			maskMap(nested)
		}
	}
}

func isSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
