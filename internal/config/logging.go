package config

import "smartsend/pkg/logx"

// Logx converts the logging section for logx.New and Service.Apply.
func (l LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:    l.Level,
		Console:  l.Console,
		Format:   l.Format,
		Instance: l.Instance,
		File:     logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}
