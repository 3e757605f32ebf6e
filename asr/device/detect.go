package device

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/bengmend/huggingface/asr"
)

var ErrNoAccelerator = fmt.Errorf("no accelerator listed by nvidia-smi")

func (d *Detector) listGPUs(ctx context.Context) ([]int, error) {
	cmd := exec.CommandContext(ctx,
		d.nvidiaSMIBinary,
		"--query-gpu=index",
		"--format=csv,noheader",
	)

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("running nvidia-smi: %w", err)
	}

	return parseGPUIndexes(string(output))
}

func parseGPUIndexes(output string) ([]int, error) {
	var indexes []int
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		index, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("parsing gpu index %q: %w", line, err)
		}
		indexes = append(indexes, index)
	}
	return indexes, nil
}

// Probe reports whether an accelerator is available, returning the reason
// when it isn't.
func (d *Detector) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.commandTimeout)
	defer cancel()

	indexes, err := d.listGPUs(ctx)
	if err != nil {
		return fmt.Errorf("listing gpus: %w", err)
	}
	if len(indexes) == 0 {
		return ErrNoAccelerator
	}

	return nil
}

// Detect returns accelerator 0 when one is available, else asr.CPU.
func (d *Detector) Detect(ctx context.Context) asr.Device {
	if err := d.Probe(ctx); err != nil {
		return asr.CPU
	}
	return 0
}
