package history

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/alimasry/go-patch-history/patch"
	"github.com/alimasry/go-patch-history/store"
)

// FieldType restricts the values an included field accepts.
type FieldType string

const (
	FieldAny    FieldType = "any"
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldBool   FieldType = "bool"
	// FieldRef accepts a patch.Reference or an id string and stores the id.
	FieldRef FieldType = "ref"
)

// IncludedField copies a value from the document onto every patch record.
type IncludedField struct {
	// Name is the attribute on the patch record.
	Name string `mapstructure:"name" validate:"required,notreserved"`
	// From is the document field or virtual to read. Defaults to Name.
	From string `mapstructure:"from"`
	// Required fails the save when the value is missing.
	Required bool `mapstructure:"required"`
	// Type defaults to FieldAny.
	Type FieldType `mapstructure:"type" validate:"omitempty,oneof=any string number bool ref"`
}

func (f IncludedField) source() string {
	if f.From != "" {
		return f.From
	}
	return f.Name
}

// Transforms derive the model and collection names from Options.Name.
type Transforms struct {
	Model      func(string) string
	Collection func(string) string
}

// Options configure a History.
type Options struct {
	// Name is the base name of the patch model, e.g. "postPatches".
	Name string `validate:"required"`
	// Backend opens the patch store for the derived collection name.
	Backend store.PatchBackend `validate:"required"`
	// RetainPatchesOnDelete keeps the history of removed documents.
	RetainPatchesOnDelete bool
	Includes              []IncludedField `validate:"unique=Name,dive"`
	// Transforms default to Pascalize and Decamelize.
	Transforms Transforms `validate:"-"`
	// Snapshot defaults to patch.DefaultSnapshotter.
	Snapshot *patch.Snapshotter `validate:"-"`
	Logger   *slog.Logger       `validate:"-"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("notreserved", func(fl validator.FieldLevel) bool {
		return !store.IsReservedPatchField(fl.Field().String())
	})
}

// Validate reports every problem with o as a single configuration error.
func (o *Options) Validate() error {
	err := validate.Struct(o)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return patch.Wrap(patch.ErrKindConfiguration, "validate options", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return patch.Errorf(patch.ErrKindConfiguration, "validate options", "%s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Options.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s must be defined", field)
	case "unique":
		return fmt.Sprintf("%s contains duplicate names", field)
	case "notreserved":
		return fmt.Sprintf("%s %q is a reserved patch attribute", field, fe.Value())
	case "oneof":
		return fmt.Sprintf("%s %q must be one of [%s]", field, fe.Value(), fe.Param())
	}
	return fmt.Sprintf("%s failed %q", field, fe.Tag())
}

// withDefaults fills the optional fields of a validated copy of o.
func (o Options) withDefaults() Options {
	if o.Transforms.Model == nil {
		o.Transforms.Model = Pascalize
	}
	if o.Transforms.Collection == nil {
		o.Transforms.Collection = Decamelize
	}
	if o.Snapshot == nil {
		s := patch.DefaultSnapshotter()
		o.Snapshot = &s
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	includes := make([]IncludedField, len(o.Includes))
	for i, f := range o.Includes {
		if f.Type == "" {
			f.Type = FieldAny
		}
		includes[i] = f
	}
	o.Includes = includes
	return o
}
