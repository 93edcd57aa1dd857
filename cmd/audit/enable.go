package audit

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stephnangue/walletd/api"
	"github.com/stephnangue/walletd/cmd/helpers"
)

type enableFlags struct {
	deviceType  string
	description string
	filePath    string
	address     string
	socketType  string
	format      string
}

var enableArgs enableFlags

var EnableCmd = &cobra.Command{
	Use:           "enable [PATH]",
	SilenceUsage:  true,
	SilenceErrors: true,
	Short:         "This command enables an audit device.",
	Long: `
Usage: walletd audit enable [options] [PATH]

  Enables an audit device. By default, audit devices are enabled at the path
  corresponding to their TYPE, but users can customize the path by providing
  it as a positional argument.

  Each audit device automatically gets a unique HMAC salt for hashing
  sensitive data in logs. This salt is generated on enable and persists
  until the device is disabled.

  Enable a file audit device at file/:

      $ walletd audit enable --type=file --file-path=/var/log/walletd-audit.log

  Enable with a custom path:

      $ walletd audit enable --type=file --file-path=/var/log/audit.log prod-audit

  Enable a socket audit device streaming to a collector:

      $ walletd audit enable --type=socket --address=127.0.0.1:9090

  For a full list of audit device types and examples, please see the documentation.
`,
	RunE: runEnable,
}

func init() {
	f := EnableCmd.Flags()
	f.StringVar(&enableArgs.deviceType, "type", "file", "Type of the audit device ('file' or 'socket')")
	f.StringVar(&enableArgs.description, "description", "", "Human-friendly description of the audit device")
	f.StringVar(&enableArgs.filePath, "file-path", "", "Path to the audit log file (required for file type)")
	f.StringVar(&enableArgs.address, "address", "", "Destination address (required for socket type)")
	f.StringVar(&enableArgs.socketType, "socket-type", "", "Destination socket type: tcp, tcp4, tcp6 or unix (socket type only)")
	f.StringVar(&enableArgs.format, "format", "json", "Log format (currently only 'json' is supported)")
}

// normalizeDevicePath resolves the optional positional path, defaulting
// to the device type, and ensures the trailing slash.
func normalizeDevicePath(args []string, deviceType string) string {
	path := deviceType
	if len(args) > 0 {
		path = args[0]
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return path
}

func (f enableFlags) options() map[string]string {
	options := make(map[string]string)
	for key, value := range map[string]string{
		"file_path":   f.filePath,
		"address":     f.address,
		"socket_type": f.socketType,
		"format":      f.format,
	} {
		if value != "" {
			options[key] = value
		}
	}
	return options
}

func runEnable(cmd *cobra.Command, args []string) error {
	c, err := helpers.Client()
	if err != nil {
		return err
	}

	path := normalizeDevicePath(args, enableArgs.deviceType)

	err = c.Sys().EnableAudit(path, &api.EnableAuditOptions{
		Type:        enableArgs.deviceType,
		Description: enableArgs.description,
		Options:     enableArgs.options(),
	})
	if err != nil {
		return fmt.Errorf("error enabling audit device: %w", err)
	}

	fmt.Printf("Success! Enabled %s audit device at: %s\n", enableArgs.deviceType, path)
	return nil
}
