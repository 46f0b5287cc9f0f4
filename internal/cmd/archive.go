package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/Trustflow-Network-Labs/theodore/internal/schedule"
	"github.com/Trustflow-Network-Labs/theodore/internal/scheduler"
	"github.com/Trustflow-Network-Labs/theodore/internal/utils"
)

type subjectOutput interface {
	schedule.Node
	schedule.Releaser
	Identity() string
}

// archiveOutputs packs the output directory of every successful subject under
// root into dir as <site>_<subject>_<session>.tar.gz and releases the
// directory once it is archived
func archiveOutputs(ctx context.Context, w io.Writer, root *scheduler.Entry, dir string) error {
	var errs []error

	var walk func(e *scheduler.Entry)
	walk = func(e *scheduler.Entry) {
		if subject, ok := e.Node.(subjectOutput); ok && subject.Status() == schedule.StatusSuccess {
			if err := archiveSubject(ctx, w, subject, dir); err != nil {
				errs = append(errs, err)
			}
		}
		for _, c := range e.Children() {
			walk(c)
		}
	}
	walk(root)

	return errors.Join(errs...)
}

func archiveSubject(ctx context.Context, w io.Writer, subject subjectOutput, dir string) error {
	result, ok := subject.Results()["output_dir"].(*schedule.ValueResult)
	if !ok {
		return nil
	}
	outputDir, ok := result.Value.(string)
	if !ok {
		return nil
	}

	name := strings.ReplaceAll(subject.Identity(), "/", "_")
	if name == "" {
		name = subject.ID()
	}
	target := filepath.Join(dir, name+".tar.gz")

	n, err := utils.ArchiveDirectory(ctx, outputDir, target)
	if err != nil {
		return fmt.Errorf("archive %s: %w", subject.Identity(), err)
	}
	if err := subject.Release(); err != nil {
		logger.Warn(fmt.Sprintf("Failed to release output of %s: %v", subject.Identity(), err), "cli")
	}

	logger.Info(fmt.Sprintf("Archived %s to %s (%s)", subject.Identity(), target, humanize.Bytes(uint64(n))), "cli")
	fmt.Fprintf(w, "Archived %s -> %s (%s)\n", subject.Identity(), target, humanize.Bytes(uint64(n)))
	return nil
}
