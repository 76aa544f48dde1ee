package config

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"os/user"
	"path"
	"reflect"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"gopkg.in/yaml.v2"
)

const (
	configDir   string = ".isolate"
	configFile  string = "config.yml"
	historyFile string = ".isolate_history"

	// configDirEnv overrides the configuration directory.
	configDirEnv = "ISOLATE_CONFIG_DIR"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// ArgsScript is a starlark script answering the call argument
	// prompts. Empty means the arguments are asked interactively.
	ArgsScript string `yaml:"args-script"`

	// TargetEnv is the environment of launched targets, as KEY=value
	// pairs. When empty the target inherits the environment of isolate.
	TargetEnv []string `yaml:"target-env"`

	// TTY is the terminal handed to launched targets: empty to share
	// isolate's, "new" for a fresh pseudo-terminal or a device path.
	TTY string `yaml:"tty"`

	// If Disassemble is true the instruction replaced by the breakpoint
	// is logged before it is patched.
	Disassemble *bool `yaml:"disassemble,omitempty"`

	// History is the file storing answers to the argument prompts. "-"
	// disables it.
	History string `yaml:"history"`
}

// DisassembleEnabled reports the disassemble setting, which is on when
// unset.
func (c *Config) DisassembleEnabled() bool {
	return c.Disassemble == nil || *c.Disassemble
}

// HistoryPath returns the prompt history file, or "" when history is
// disabled.
func (c *Config) HistoryPath() string {
	switch c.History {
	case "-":
		return ""
	case "":
		p, err := GetConfigFilePath(historyFile)
		if err != nil {
			return ""
		}
		return p
	}
	return c.History
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() (*Config, error) {
	err := createConfigPath()
	if err != nil {
		return &Config{}, fmt.Errorf("could not create config directory: %v", err)
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to get config file path: %v", err)
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			return &Config{}, fmt.Errorf("error creating default config file: %v", err)
		}
	}
	defer f.Close()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file: %v", err)
	}

	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	if err := createConfigPath(); err != nil {
		return err
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for isolate.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Starlark script answering the call argument prompts, for example:
#   primitive("i32", 7)
#   primitive("double", "0.5")
# args-script: ~/.isolate/args.star

# Environment of launched targets. When empty the environment of isolate is used.
target-env:
  # - KEY=value

# Terminal for launched targets: "new" allocates a pseudo-terminal.
# tty: new

# Log the instruction replaced by the breakpoint.
# disassemble: false

# History file for the argument prompts, "-" to disable.
# history: -
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if dir := os.Getenv(configDirEnv); dir != "" {
		return path.Join(dir, file), nil
	}

	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}

type configureIterator struct {
	cfgValue reflect.Value
	cfgType  reflect.Type
	i        int
}

func iterateConfiguration(conf *Config) *configureIterator {
	cfgValue := reflect.ValueOf(conf).Elem()
	cfgType := cfgValue.Type()

	return &configureIterator{cfgValue, cfgType, -1}
}

func (it *configureIterator) Next() bool {
	it.i++
	return it.i < it.cfgValue.NumField()
}

func (it *configureIterator) Field() (name string, field reflect.Value) {
	name = it.cfgType.Field(it.i).Tag.Get("yaml")
	if comma := strings.Index(name, ","); comma >= 0 {
		name = name[:comma]
	}
	field = it.cfgValue.Field(it.i)
	return
}

func findFieldByName(conf *Config, name string) reflect.Value {
	it := iterateConfiguration(conf)
	for it.Next() {
		fieldName, field := it.Field()
		if fieldName == name {
			return field
		}
	}
	return reflect.Value{}
}

// List writes every option of conf and its value to w.
func List(w io.Writer, conf *Config) error {
	tw := new(tabwriter.Writer)
	tw.Init(w, 0, 8, 1, ' ', 0)

	it := iterateConfiguration(conf)
	for it.Next() {
		fieldName, field := it.Field()
		if fieldName == "" {
			continue
		}

		switch {
		case field.Kind() == reflect.Ptr && field.IsNil():
			fmt.Fprintf(tw, "%s\t<not defined>\n", fieldName)
		case field.Kind() == reflect.Ptr:
			fmt.Fprintf(tw, "%s\t%v\n", fieldName, field.Elem())
		case field.Kind() == reflect.Slice:
			fmt.Fprintf(tw, "%s\t%q\n", fieldName, field.Interface())
		default:
			fmt.Fprintf(tw, "%s\t%v\n", fieldName, field)
		}
	}
	return tw.Flush()
}

// Set changes the option called name. List options are given as a
// shell-quoted command line, so that
//
//	Set(conf, "target-env", `HOME=/tmp MSG="hello world"`)
//
// sets two variables.
func Set(conf *Config, name, value string) error {
	field := findFieldByName(conf, name)
	if !field.IsValid() || !field.CanAddr() {
		return fmt.Errorf("%q is not a configuration parameter", name)
	}

	simpleArg := func(typ reflect.Type) (reflect.Value, error) {
		switch typ.Kind() {
		case reflect.String:
			return reflect.ValueOf(&value), nil
		case reflect.Bool:
			v, err := strconv.ParseBool(value)
			if err != nil {
				return reflect.Value{}, fmt.Errorf("argument to %q must be true or false", name)
			}
			return reflect.ValueOf(&v), nil
		case reflect.Slice:
			v, err := splitList(value)
			if err != nil {
				return reflect.Value{}, fmt.Errorf("argument to %q: %v", name, err)
			}
			return reflect.ValueOf(&v), nil
		default:
			return reflect.Value{}, fmt.Errorf("unsupported type for configuration key %q", name)
		}
	}

	if field.Kind() == reflect.Ptr {
		val, err := simpleArg(field.Type().Elem())
		if err != nil {
			return err
		}
		field.Set(val)
	} else {
		val, err := simpleArg(field.Type())
		if err != nil {
			return err
		}
		field.Set(val.Elem())
	}
	return nil
}

func splitList(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return []string{}, nil
	}
	v, err := argv.Argv(s,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, errors.New("pipes are not allowed")
	}
	return v[0], nil
}
