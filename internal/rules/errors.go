package rules

import "fmt"

// ConfigError 规则配置错误，规则集加载整体失败
type ConfigError struct {
	Category string
	Section  string
	Reason   string
	Err      error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("rule corpus %q", e.Category)
	if e.Section != "" {
		msg += fmt.Sprintf(" section [%s]", e.Section)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
