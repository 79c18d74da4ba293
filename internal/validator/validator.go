package validator

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	govalidator "github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var (
	// trans is the singleton English translator for validation errors.
	trans ut.Translator

	// configValidate checks `validate` tags on configuration documents
	// such as exam files. Request bodies go through Gin's `binding` tags.
	configValidate *govalidator.Validate
	configOnce     sync.Once
)

func init() {
	enLocale := en.New()
	uni := ut.New(enLocale, enLocale)
	trans, _ = uni.GetTranslator("en")
}

// jsonFieldName reports fields by their JSON tag in error messages.
func jsonFieldName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	return name
}

// Setup registers the validator with English translations on Gin's binding engine.
// Call once during application startup.
func Setup() {
	if v, ok := binding.Validator.Engine().(*govalidator.Validate); ok {
		v.RegisterTagNameFunc(jsonFieldName)
		_ = en_translations.RegisterDefaultTranslations(v, trans)
	}
}

func structValidator() *govalidator.Validate {
	configOnce.Do(func() {
		configValidate = govalidator.New(govalidator.WithRequiredStructEnabled())
		configValidate.RegisterTagNameFunc(jsonFieldName)
		_ = en_translations.RegisterDefaultTranslations(configValidate, trans)
	})
	return configValidate
}

// Struct validates v against its `validate` tags. Failures come back as one
// error listing every offending field in a stable order.
func Struct(v any) error {
	err := structValidator().Struct(v)
	if err == nil {
		return nil
	}
	fields := TranslateErrors(err)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, fields[k]))
	}
	return errors.New(strings.Join(parts, "; "))
}

// TranslateErrors takes a binding/validation error and returns a map of
// field name → human-readable error message. If the error is not a
// validation error, it returns a single-key map with "detail".
func TranslateErrors(err error) map[string]string {
	fields := make(map[string]string)

	var ve govalidator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			key := fe.Namespace()
			if i := strings.IndexByte(key, '.'); i >= 0 {
				key = key[i+1:]
			}
			fields[key] = fe.Translate(trans)
		}
		return fields
	}

	// Not a validation error (e.g., JSON syntax error).
	fields["detail"] = err.Error()
	return fields
}

// Bind binds and validates the request body into dst.
// Returns nil on success or a translated field error map on failure.
func Bind(c *gin.Context, dst interface{}) map[string]string {
	if err := c.ShouldBindJSON(dst); err != nil {
		return TranslateErrors(err)
	}
	return nil
}
