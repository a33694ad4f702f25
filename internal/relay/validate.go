package relay

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report wire names (bot_id, chat_id, title) instead of Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// check validates sub with blank values treated as absent.
func check(sub Submission) error {
	trimmed := Submission{
		ChannelID: strings.TrimSpace(sub.ChannelID),
		ChatID:    strings.TrimSpace(sub.ChatID),
		Title:     strings.TrimSpace(sub.Title),
	}
	err := validate.Struct(trimmed)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return err
	}
	ve := &ValidationError{}
	for _, fe := range ves {
		ve.Missing = append(ve.Missing, fe.Field())
	}
	return ve
}
