package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/PatchLens/go-trace-lens/lens"
)

const (
	defaultListenAddr = "127.0.0.1:44440"
	defaultReportJson = "tracereport.json"
	defaultChartsFile = "tracereport.png"
)

// addStorageFlags registers the flags selecting the event store.
func addStorageFlags(cmd *cobra.Command, defaultKind string) {
	cmd.Flags().String("storage", defaultKind, "Event storage, values can be: mem, badger, sqlite")
	cmd.Flags().String("storage-path", "", "Directory (badger) or file (sqlite) holding recorded events")
	cmd.Flags().Int("cachemb", 200, "Cache memory budget in MB")
}

// addCollectorFlags registers every flag of the serve command.
func addCollectorFlags(cmd *cobra.Command) {
	addStorageFlags(cmd, lens.StorageMem)
	cmd.Flags().String("listen", defaultListenAddr, "Address to accept probe connections on (host:port)")
	cmd.Flags().String("codec", "zstd", "Event blob compression, values can be: zstd, snappy, none")
	cmd.Flags().Bool("log-changes", false, "Log field changes between consecutive events of a channel")
	cmd.Flags().Bool("echo", false, "Print every received event")
	cmd.Flags().String("json", "", "File to output the report to when the collector stops")
	cmd.Flags().String("charts", "", "File to output the report chart image to when the collector stops")
	cmd.Flags().String("log-file", "", "Also write log output to this file")
}

// CollectorConfigFromFlags builds and prepares a CollectorConfig from the parsed flags of cmd.
// Flags not registered on cmd keep their zero value.
func CollectorConfigFromFlags(cmd *cobra.Command) (*lens.CollectorConfig, error) {
	flags := cmd.Flags()
	getString := func(name string) string {
		if flags.Lookup(name) == nil {
			return ""
		}
		v, _ := flags.GetString(name)
		return v
	}
	getBool := func(name string) bool {
		if flags.Lookup(name) == nil {
			return false
		}
		v, _ := flags.GetBool(name)
		return v
	}

	config := &lens.CollectorConfig{
		ListenAddr:       getString("listen"),
		StorageKind:      getString("storage"),
		StoragePath:      getString("storage-path"),
		Codec:            getString("codec"),
		LogChanges:       getBool("log-changes"),
		Echo:             getBool("echo"),
		ReportJsonFile:   getString("json"),
		ReportChartsFile: getString("charts"),
	}
	if flags.Lookup("cachemb") != nil {
		config.CacheMB, _ = flags.GetInt("cachemb")
	}

	if err := config.Prepare(); err != nil {
		return nil, err
	}
	return config, nil
}

// persistentStorageConfig is CollectorConfigFromFlags for commands reading an existing store.
func persistentStorageConfig(cmd *cobra.Command) (*lens.CollectorConfig, error) {
	config, err := CollectorConfigFromFlags(cmd)
	if err != nil {
		return nil, err
	} else if config.StorageKind == lens.StorageMem {
		return nil, errors.New("--storage must be badger or sqlite to read recorded events")
	}
	return config, nil
}
