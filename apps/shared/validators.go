package shared

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/tekpounou/platform/core"
	"github.com/tekpounou/platform/core/user"
)

func NewTranslator() ut.Translator {
	return core.NewTranslator()
}

// NewValidate returns the validator with the core and user rules and their english messages.
func NewValidate(conf *core.Config, translator ut.Translator, logger core.Logger) *validator.Validate {
	validate := validator.New()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	if conf.CommonPasswordsFile != "" {
		user.LoadCommonPasswords(conf.CommonPasswordsFile, logger)
	}
	return validate
}
