package core

import (
	"reflect"
	"regexp"
	"strings"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/pkg/errors"
)

var (
	// custom validation tags & texts
	alphaRangeTag   = "alpharange"
	alphaRangeText  = "must be All, a single letter or a letter range like A-F"
	alphaRangeRegex = regexp.MustCompile(`^(?i:all|[a-z](-[a-z])?)$`)

	tmplSelectorTag   = "tmplselector"
	tmplSelectorText  = "must be none or a template name (lowercase letters, digits, - and _)"
	tmplSelectorRegex = regexp.MustCompile(`^[a-z0-9_-]+$`)

	requiredTag     = "required"
	requiredWithTag = "required_with"
	requiredText    = "this field is required"
)

// InitValidators instantiates the validator for use.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	// Use JSON tag names for errors instead of Go struct names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return strings.SplitN(fld.Tag.Get("query"), ",", 2)[0]
		}
		return name
	})

	// register custom validators
	_ = validate.RegisterValidation(alphaRangeTag, alphaRangeValidation)
	RegisterCustomTranslation(validate, translator, alphaRangeTag, alphaRangeText)

	_ = validate.RegisterValidation(tmplSelectorTag, tmplSelectorValidation)
	RegisterCustomTranslation(validate, translator, tmplSelectorTag, tmplSelectorText)

	RegisterCustomTranslation(validate, translator, requiredTag, requiredText, true)
	RegisterCustomTranslation(validate, translator, requiredWithTag, requiredText, true)
}

// RegisterCustomTranslation registers a custom translation for the specified validation tag.
func RegisterCustomTranslation(validate *validator.Validate, translator ut.Translator, tag, text string, override ...bool) {
	var ovrd bool
	if len(override) > 0 {
		ovrd = override[0]
	}
	_ = validate.RegisterTranslation(
		tag, translator,
		func(t ut.Translator) error { return t.Add(tag, text, ovrd) },
		func(t ut.Translator, fe validator.FieldError) string {
			s, _ := t.T(tag, fe.Field())
			return s
		},
	)
}

// ValidateStruct runs validate on v and turns field failures into a *ValidationError
// carrying translated messages.
func ValidateStruct(validate *validator.Validate, translator ut.Translator, v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var vErrs validator.ValidationErrors
	if !errors.As(err, &vErrs) {
		return errors.Wrap(err, "validating")
	}
	flds := make([]FieldError, 0, len(vErrs))
	for _, fe := range vErrs {
		msg := fe.Error()
		if translator != nil {
			msg = fe.Translate(translator)
		}
		flds = append(flds, FieldError{Field: fe.Field(), Error: msg})
	}
	return NewValidationError(nil, flds...)
}

// Custom Global Validators

// alphaRangeValidation allows All, a single letter or an ascending letter range.
func alphaRangeValidation(fl validator.FieldLevel) bool {
	s := strings.TrimSpace(fl.Field().String())
	if !alphaRangeRegex.MatchString(s) {
		return false
	}
	if len(s) == 3 {
		return strings.ToUpper(s[:1]) <= strings.ToUpper(s[2:])
	}
	return true
}

// tmplSelectorValidation allows "none" or a template file name.
func tmplSelectorValidation(fl validator.FieldLevel) bool {
	return tmplSelectorRegex.MatchString(fl.Field().String())
}
