package config

import (
	"flag"
	"os"
	"time"

	"qrkeeper/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   data directory
//	-w string   worker binary path
//	-p string   connectivity probe url
//	-i int      probe interval in seconds
//	-b string   s3 bucket for backup snapshots
//	-l string   log level
//	--password  derive the encryption key from a passphrase
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-w", "-p", "-i", "-b", "-l", "-password"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "d", cfg.DataDir, "data directory")
	fs.StringVar(&cfg.WorkerBinary, "w", cfg.WorkerBinary, "worker binary path")
	fs.StringVar(&cfg.ProbeURL, "p", cfg.ProbeURL, "connectivity probe url")
	probeInterval := fs.Int("i", int(cfg.ProbeInterval.Seconds()), "probe interval (in seconds)")
	fs.StringVar(&cfg.S3Bucket, "b", cfg.S3Bucket, "s3 bucket for backup snapshots")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level (debug|info|warn|error)")
	fs.BoolVar(&cfg.UsePassword, "password", cfg.UsePassword, "derive the encryption key from a passphrase")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.ProbeInterval = time.Duration(*probeInterval) * time.Second
}
