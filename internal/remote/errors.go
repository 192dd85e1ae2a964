package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/and161185/catalog-sync/internal/errs"
)

// Error is a non-2xx answer from the platform. It keeps the remote body so
// callers can surface it in batch reports.
type Error struct {
	Method     string
	Path       string
	StatusCode int
	Code       string
	Message    string
	Body       string
	// ResourceID is the conflicting record the platform names in
	// data.resource_id, e.g. the owner of a duplicate SKU.
	ResourceID int64
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote %s %s: http %d %s: %s", e.Method, e.Path, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote %s %s: http %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Is maps the status onto the errs sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case errs.ErrRemoteTransport:
		return true
	case errs.ErrRemoteNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// newError parses the platform's {"code","message"} error envelope.
func newError(method, path string, status int, body []byte) *Error {
	e := &Error{
		Method:     method,
		Path:       path,
		StatusCode: status,
		Body:       string(body),
		Message:    strings.TrimSpace(string(body)),
	}
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Data    struct {
			ResourceID int64 `json:"resource_id"`
		} `json:"data"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		e.Code = parsed.Code
		e.ResourceID = parsed.Data.ResourceID
		if strings.TrimSpace(parsed.Message) != "" {
			e.Message = parsed.Message
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// duplicateSKUCodes are the error codes the platform uses when a create is
// rejected because the SKU already belongs to another product.
var duplicateSKUCodes = map[string]bool{
	"product_invalid_sku":                   true,
	"woocommerce_rest_product_not_created":  true,
	"woocommerce_product_invalid_sku":       true,
	"woocommerce_rest_product_sku_conflict": true,
}

// IsDuplicateSKU reports whether err is a create rejected for a reused SKU.
func IsDuplicateSKU(err error) bool {
	var re *Error
	if !errors.As(err, &re) {
		return false
	}
	if re.StatusCode != http.StatusBadRequest && re.StatusCode != http.StatusConflict {
		return false
	}
	if duplicateSKUCodes[re.Code] {
		return re.Code != "woocommerce_rest_product_not_created" || strings.Contains(strings.ToLower(re.Message), "sku")
	}
	return false
}
