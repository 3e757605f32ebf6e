package device

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bengmend/huggingface/asr"
)

const DefaultNvidiaSMIBinary = "nvidia-smi"

const DefaultCommandTimeout = time.Second * 10

type DetectorOptions func(*Detector)

type Detector struct {
	nvidiaSMIBinary string
	commandTimeout  time.Duration
}

func WithNvidiaSMIBinary(binary string) DetectorOptions {
	return func(d *Detector) {
		d.nvidiaSMIBinary = binary
	}
}

func WithCommandTimeout(timeout time.Duration) DetectorOptions {
	return func(d *Detector) {
		d.commandTimeout = timeout
	}
}

func NewDetector(options ...DetectorOptions) *Detector {
	detector := &Detector{
		nvidiaSMIBinary: DefaultNvidiaSMIBinary,
		commandTimeout:  DefaultCommandTimeout,
	}

	for _, option := range options {
		option(detector)
	}

	return detector
}

// ParseDevice parses a device override.
//
// An empty string or "auto" returns ok=false, meaning the device should be
// detected. "cpu" and "-1" select the processor, "cuda" selects accelerator 0,
// and "cuda:N" or "N" select accelerator N.
func ParseDevice(s string) (d asr.Device, ok bool, err error) {
	input := s
	s = strings.ToLower(strings.TrimSpace(s))

	switch s {
	case "", "auto":
		return asr.CPU, false, nil
	case "cpu", "-1":
		return asr.CPU, true, nil
	case "cuda", "gpu":
		return 0, true, nil
	}

	s = strings.TrimPrefix(s, "cuda:")
	index, err := strconv.Atoi(s)
	if err != nil || index < 0 {
		return asr.CPU, false, fmt.Errorf("invalid device %q", input)
	}

	return asr.Device(index), true, nil
}
