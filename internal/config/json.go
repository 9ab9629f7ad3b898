package config

import (
	"os"

	"github.com/goccy/go-json"

	"qrkeeper/internal/flagx"
	"qrkeeper/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. It relies on
// timex.Duration so intervals can be written either as strings like "30s"
// or as integer nanoseconds. Absent fields keep their current values.
type JsonConfig struct {
	DataDir             *string         `json:"data_dir"`
	WorkerBinary        *string         `json:"worker_binary"`
	WorkerSocket        *string         `json:"worker_socket"`
	ProbeURL            *string         `json:"probe_url"`
	ProbeInterval       *timex.Duration `json:"probe_interval"`
	SyncInterval        *timex.Duration `json:"sync_interval"`
	UpdateCheckInterval *timex.Duration `json:"update_check_interval"`
	UsePassword         *bool           `json:"use_password"`
	S3Bucket            *string         `json:"s3_bucket"`
	S3Prefix            *string         `json:"s3_prefix"`
	LogLevel            *string         `json:"log_level"`
}

// parseJson overlays cfg with values from the JSON file named by the -c or
// -config flag. Panics on read or unmarshal errors.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	var jc JsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.DataDir != nil {
		cfg.DataDir = *jc.DataDir
	}
	if jc.WorkerBinary != nil {
		cfg.WorkerBinary = *jc.WorkerBinary
	}
	if jc.WorkerSocket != nil {
		cfg.WorkerSocket = *jc.WorkerSocket
	}
	if jc.ProbeURL != nil {
		cfg.ProbeURL = *jc.ProbeURL
	}
	if jc.ProbeInterval != nil {
		cfg.ProbeInterval = jc.ProbeInterval.Duration
	}
	if jc.SyncInterval != nil {
		cfg.SyncInterval = jc.SyncInterval.Duration
	}
	if jc.UpdateCheckInterval != nil {
		cfg.UpdateCheckInterval = jc.UpdateCheckInterval.Duration
	}
	if jc.UsePassword != nil {
		cfg.UsePassword = *jc.UsePassword
	}
	if jc.S3Bucket != nil {
		cfg.S3Bucket = *jc.S3Bucket
	}
	if jc.S3Prefix != nil {
		cfg.S3Prefix = *jc.S3Prefix
	}
	if jc.LogLevel != nil {
		cfg.LogLevel = *jc.LogLevel
	}
}
