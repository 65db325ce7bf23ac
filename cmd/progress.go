// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"io"
	"os"

	"github.com/cheggaaa/pb/v3"
	"golang.org/x/term"
)

// barProgress renders a batch as a progress bar.
type barProgress struct {
	w   io.Writer
	bar *pb.ProgressBar
}

// newProgress returns a progress bar on stderr when it is a terminal, nil
// otherwise.
func newProgress(disabled bool) *barProgress {
	if disabled || !term.IsTerminal(int(os.Stderr.Fd())) {
		return nil
	}
	return &barProgress{w: os.Stderr}
}

func (p *barProgress) Start(total int) {
	p.bar = pb.New(total).SetWriter(p.w).Start()
}

func (p *barProgress) Increment() {
	if p.bar != nil {
		p.bar.Increment()
	}
}

func (p *barProgress) Finish() {
	if p.bar != nil {
		p.bar.Finish()
		p.bar = nil
	}
}
