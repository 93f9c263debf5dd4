package envconf

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/colorstring"
	"github.com/bitrise-io/go-utils/v2/env"
)

const (
	rangeMinimumGroupName = "min"
	rangeMaximumGroupName = "max"
)

// ErrNotStructPtr indicates a type is not a pointer to a struct.
var ErrNotStructPtr = errors.New("must be a pointer to a struct")

// ParseError occurs when a struct field cannot be set.
type ParseError struct {
	Field string
	Value string
	Err   error
}

// Error implements builtin errors.Error.
func (e *ParseError) Error() string {
	segments := []string{e.Field}
	if e.Value != "" {
		segments = append(segments, e.Value)
	}
	segments = append(segments, e.Err.Error())
	return strings.Join(segments, ": ")
}

// EnvGetter looks up environment variables.
type EnvGetter interface {
	Get(key string) string
}

// Secret variables are not shown in the printed output.
type Secret string

const secret = "*****"

// String implements fmt.Stringer.String.
// When a Secret is printed, it's masking the underlying string with asterisks.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return secret
}

// Print the name of the struct with Title case in blue color with followed by a newline,
// then print all fields formatted as '- field name: field value` separated by newline.
func Print(config interface{}) {
	fmt.Print(toString(config))
}

func toString(config interface{}) string {
	v := reflect.ValueOf(config)
	t := reflect.TypeOf(config)

	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	str := fmt.Sprint(colorstring.Bluef("%s:\n", title(t.Name())))
	for i := 0; i < t.NumField(); i++ {
		key, _ := parseTag(t.Field(i).Tag.Get("env"))
		if key == "" {
			key = t.Field(i).Name
		}

		value := "<unset>"
		if !v.Field(i).IsZero() {
			value = valueString(v.Field(i))
		}
		str += fmt.Sprintf("- %s: %s\n", key, value)
	}

	return str
}

func title(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// valueString returns the string representation of a value.
// Nil pointers are represented as an empty string.
func valueString(v reflect.Value) string {
	if v.Kind() != reflect.Ptr {
		return fmt.Sprintf("%v", v.Interface())
	}

	if !v.IsNil() {
		return fmt.Sprintf("%v", v.Elem().Interface())
	}

	return ""
}

// Parse populates a struct with the retrieved values from environment variables
// described by struct tags and applies the defined validations.
func Parse(conf interface{}) error {
	return parse(conf, env.NewRepository())
}

func parse(conf interface{}, envGetter EnvGetter) error {
	c := reflect.ValueOf(conf)
	if c.Kind() != reflect.Ptr {
		return ErrNotStructPtr
	}
	c = c.Elem()
	if c.Kind() != reflect.Struct {
		return ErrNotStructPtr
	}
	t := c.Type()

	var errs []*ParseError
	for i := 0; i < c.NumField(); i++ {
		tag, ok := t.Field(i).Tag.Lookup("env")
		if !ok {
			continue
		}
		key, constraint := parseTag(tag)
		value := envGetter.Get(key)

		if err := setField(c.Field(i), value, constraint); err != nil {
			errs = append(errs, &ParseError{Field: t.Field(i).Name, Value: value, Err: err})
		}
	}

	if len(errs) > 0 {
		errorString := "failed to parse config:"
		for _, err := range errs {
			errorString += fmt.Sprintf("\n- %s", err)
		}
		return errors.New(errorString)
	}

	return nil
}

func parseTag(tag string) (string, string) {
	if !strings.Contains(tag, ",") {
		return tag, ""
	}
	split := strings.SplitN(tag, ",", 2)
	return split[0], split[1]
}

func setField(field reflect.Value, value, constraint string) error {
	if err := validateConstraint(value, constraint); err != nil {
		return err
	}

	if value == "" {
		return nil
	}

	if field.Kind() == reflect.Ptr {
		// If field is a pointer type, create a new instance and set its value.
		field.Set(reflect.New(field.Type().Elem()))
		field = field.Elem()
	}

	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(value)
		if err != nil {
			return errors.New("can't convert to duration")
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := parseBool(value)
		if err != nil {
			return errors.New("can't convert to bool")
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 0, field.Type().Bits())
		if err != nil {
			return errors.New("can't convert to int")
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return errors.New("can't convert to float")
		}
		field.SetFloat(f)
	case reflect.Slice:
		field.Set(reflect.ValueOf(strings.Split(value, "|")))
	default:
		return fmt.Errorf("type is not supported (%s)", field.Kind())
	}

	return nil
}

func parseBool(userInput string) (bool, error) {
	if strings.ToLower(userInput) == "yes" {
		return true, nil
	}
	if strings.ToLower(userInput) == "no" {
		return false, nil
	}
	return strconv.ParseBool(strings.ToLower(userInput))
}

func validateConstraint(value, constraint string) error {
	switch {
	case constraint == "":
		break
	case constraint == "required":
		if value == "" {
			return errors.New("required variable is not present")
		}
	case constraint == "file", constraint == "dir":
		if err := checkPath(value, constraint == "dir"); err != nil {
			return err
		}
	case strings.HasPrefix(constraint, "opt[") && strings.HasSuffix(constraint, "]"):
		options := parseOptions(strings.TrimSuffix(strings.TrimPrefix(constraint, "opt["), "]"))
		if !contains(value, options) {
			return fmt.Errorf("value is not in value options (%s)", strings.Join(options, ", "))
		}
	case strings.HasPrefix(constraint, "range"):
		if err := validateRangeFields(value, constraint); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid constraint (%s)", constraint)
	}
	return nil
}

// parseOptions splits the value options on commas, single quoted options may contain commas.
func parseOptions(list string) []string {
	var (
		options []string
		current strings.Builder
		quoted  bool
	)
	for _, r := range list {
		switch {
		case r == '\'':
			quoted = !quoted
		case r == ',' && !quoted:
			options = append(options, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	return append(options, current.String())
}

func contains(s string, opts []string) bool {
	for _, opt := range opts {
		if opt == s {
			return true
		}
	}
	return false
}

func checkPath(path string, dir bool) error {
	file, err := os.Stat(path)
	if err != nil {
		// The file doesn't exist or can't be accessed.
		return err
	}
	if dir && !file.IsDir() {
		return errors.New("not a directory")
	}
	if !dir && file.IsDir() {
		return errors.New("not a file")
	}
	return nil
}

// validateRangeFields checks an inclusive range constraint of the form range[min..max].
func validateRangeFields(valueStr, constraint string) error {
	bounds := map[string]string{}
	inner := strings.TrimSuffix(strings.TrimPrefix(constraint, "range["), "]")
	parts := strings.SplitN(inner, "..", 2)
	if len(parts) != 2 || !strings.HasPrefix(constraint, "range[") || !strings.HasSuffix(constraint, "]") {
		return fmt.Errorf("invalid range constraint (%s)", constraint)
	}
	bounds[rangeMinimumGroupName] = parts[0]
	bounds[rangeMaximumGroupName] = parts[1]

	if valueStr == "" {
		return nil
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return fmt.Errorf("can't convert value to number: %s", valueStr)
	}

	if minStr := bounds[rangeMinimumGroupName]; minStr != "" {
		min, err := strconv.ParseFloat(minStr, 64)
		if err != nil {
			return fmt.Errorf("invalid range minimum: %s", minStr)
		}
		if value < min {
			return fmt.Errorf("value %s is less than the minimum %s", valueStr, minStr)
		}
	}
	if maxStr := bounds[rangeMaximumGroupName]; maxStr != "" {
		max, err := strconv.ParseFloat(maxStr, 64)
		if err != nil {
			return fmt.Errorf("invalid range maximum: %s", maxStr)
		}
		if value > max {
			return fmt.Errorf("value %s is greater than the maximum %s", valueStr, maxStr)
		}
	}

	return nil
}
