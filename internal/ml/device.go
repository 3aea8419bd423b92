package ml

import (
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
)

// Device is the selected inference runtime.
type Device string

const (
	DeviceCUDA   Device = "cuda"
	DeviceCoreML Device = "coreml"
	DeviceCPU    Device = "cpu"
)

// ResolveDevice picks the runtime device. "auto" probes in priority order
// cuda > coreml > cpu; an explicit preference is taken as-is.
func ResolveDevice(preferred string) Device {
	switch preferred {
	case string(DeviceCUDA):
		return DeviceCUDA
	case string(DeviceCoreML):
		return DeviceCoreML
	case string(DeviceCPU):
		return DeviceCPU
	}

	if opts, err := ort.NewCUDAProviderOptions(); err == nil {
		_ = opts.Destroy()
		return DeviceCUDA
	}
	if runtime.GOOS == "darwin" {
		return DeviceCoreML
	}
	return DeviceCPU
}

// NewSessionOptions builds session options with the execution provider for
// the given device appended. The caller owns the returned options.
func NewSessionOptions(device Device, threads int) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	if threads > 0 {
		if err := options.SetIntraOpNumThreads(threads); err != nil {
			_ = options.Destroy()
			return nil, err
		}
	}

	switch device {
	case DeviceCUDA:
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			_ = options.Destroy()
			return nil, err
		}
		defer func() { _ = cudaOpts.Destroy() }()
		if err := options.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			_ = options.Destroy()
			return nil, err
		}
	case DeviceCoreML:
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			_ = options.Destroy()
			return nil, err
		}
	}

	return options, nil
}
