package audit

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/stephnangue/walletd/helper"
	"github.com/stephnangue/walletd/logger"
)

// FileDeviceFactory builds file-backed audit devices: a rotating file
// sink behind a buffered writer, formatting entries as salted JSON.
type FileDeviceFactory struct {
	logger logger.Logger
}

func (f *FileDeviceFactory) Type() string {
	return "file"
}

func (f *FileDeviceFactory) Initialize(log logger.Logger) error {
	f.logger = log.WithSubsystem(f.Type())

	return nil
}

func (f *FileDeviceFactory) Create(
	ctx context.Context,
	mountPath string,
	description string,
	accessor string,
	config map[string]any,
) (Device, error) {

	conf, err := mapToFileDeviceConfig(config)
	if err != nil {
		return nil, err
	}

	// we only support json format for now
	if conf.Format != "json" {
		return nil, fmt.Errorf("unsupported audit log format: %s", conf.Format)
	}

	var fileMode os.FileMode = 0600 // default mode
	if conf.Mode != "" {
		parsedMode, err := strconv.ParseUint(conf.Mode, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid file mode: %v", err)
		}
		fileMode = os.FileMode(parsedMode)
	}

	fileSink, err := NewFileSink(FileSinkConfig{
		Path:        conf.Path,
		RotateSize:  conf.RotateSize,
		RotateDaily: conf.RotateDaily,
		MaxBackups:  conf.MaxBackups,
		Mode:        fileMode,
	})
	if err != nil {
		return nil, err
	}

	bufferedSink, err := NewBufferedSink(BufferedSinkConfig{
		Sink:        fileSink,
		BufferSize:  conf.BufferSize,
		FlushPeriod: conf.FlushPeriod,
		Logger:      f.logger,
	})
	if err != nil {
		return nil, err
	}

	if accessor == "" {
		randID := helper.GenerateShortID()
		accessor = fmt.Sprintf("%s_%s", f.Type(), randID)
	}

	var formatOpts []JSONFormatOption

	if conf.Prefix != "" {
		formatOpts = append(formatOpts, WithPrefix(conf.Prefix))
	}

	// Salt sensitive fields when a key is configured
	if conf.HMACKey != "" && len(conf.SaltFields) > 0 {
		hmacer := NewHMACer(conf.HMACKey)
		formatOpts = append(formatOpts, WithSaltFunc(hmacer.SaltFunc()))
		formatOpts = append(formatOpts, WithSaltFields(conf.SaltFields))
	}

	if len(conf.OmitFields) > 0 {
		formatOpts = append(formatOpts, WithOmitFields(conf.OmitFields))
	}

	jsonFormat := NewJSONFormat(formatOpts...)

	device := NewDevice(mountPath, jsonFormat, bufferedSink, &DeviceConfig{
		Name:        mountPath,
		Type:        f.Type(),
		Description: description,
		Enabled:     conf.Enabled,
		Format:      conf.Format,
		Accessor:    accessor,
		BufferSize:  conf.BufferSize,
		FlushPeriod: conf.FlushPeriod,
	})

	return device, nil
}

// SocketDeviceFactory builds audit devices that stream entries to a
// TCP or unix socket, again behind the buffered writer.
type SocketDeviceFactory struct {
	logger logger.Logger
}

func (f *SocketDeviceFactory) Type() string {
	return "socket"
}

func (f *SocketDeviceFactory) Initialize(log logger.Logger) error {
	f.logger = log.WithSubsystem(f.Type())

	return nil
}

func (f *SocketDeviceFactory) Create(
	ctx context.Context,
	mountPath string,
	description string,
	accessor string,
	config map[string]any,
) (Device, error) {

	conf, err := mapToSocketDeviceConfig(config)
	if err != nil {
		return nil, err
	}

	// we only support json format for now
	if conf.Format != "json" {
		return nil, fmt.Errorf("unsupported audit log format: %s", conf.Format)
	}

	socketSink, err := NewSocketSink(SocketSinkConfig{
		Network:      conf.Network,
		Address:      conf.Address,
		WriteTimeout: conf.WriteTimeout,
	})
	if err != nil {
		return nil, err
	}

	bufferedSink, err := NewBufferedSink(BufferedSinkConfig{
		Sink:        socketSink,
		BufferSize:  conf.BufferSize,
		FlushPeriod: conf.FlushPeriod,
		Logger:      f.logger,
	})
	if err != nil {
		return nil, err
	}

	if accessor == "" {
		randID := helper.GenerateShortID()
		accessor = fmt.Sprintf("%s_%s", f.Type(), randID)
	}

	var formatOpts []JSONFormatOption

	if conf.Prefix != "" {
		formatOpts = append(formatOpts, WithPrefix(conf.Prefix))
	}

	// Salt sensitive fields when a key is configured
	if conf.HMACKey != "" && len(conf.SaltFields) > 0 {
		hmacer := NewHMACer(conf.HMACKey)
		formatOpts = append(formatOpts, WithSaltFunc(hmacer.SaltFunc()))
		formatOpts = append(formatOpts, WithSaltFields(conf.SaltFields))
	}

	if len(conf.OmitFields) > 0 {
		formatOpts = append(formatOpts, WithOmitFields(conf.OmitFields))
	}

	jsonFormat := NewJSONFormat(formatOpts...)

	device := NewDevice(mountPath, jsonFormat, bufferedSink, &DeviceConfig{
		Name:        mountPath,
		Type:        f.Type(),
		Description: description,
		Enabled:     conf.Enabled,
		Format:      conf.Format,
		Accessor:    accessor,
		BufferSize:  conf.BufferSize,
		FlushPeriod: conf.FlushPeriod,
	})

	return device, nil
}
