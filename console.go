package main

import (
	"fmt"
	"io"
	"sync"
)

// Console serializes everything written to the terminal. A transient
// progress line is cleared before any other write and redrawn after it, so
// log records, reports and progress never share a line.
type Console struct {
	mu       sync.Mutex
	w        io.Writer
	progress string
	tty      bool
}

// NewConsole wraps w. Progress lines are only drawn when tty is true.
func NewConsole(w io.Writer, tty bool) *Console {
	return &Console{w: w, tty: tty}
}

func (c *Console) clearLocked() {
	if c.tty && c.progress != "" {
		fmt.Fprint(c.w, "\r\033[K")
	}
}

func (c *Console) drawLocked() {
	if c.tty && c.progress != "" {
		fmt.Fprint(c.w, c.progress)
	}
}

// Write implements io.Writer for loggers.
func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	n, err := c.w.Write(p)
	c.drawLocked()
	return n, err
}

// Println writes one permanent line.
func (c *Console) Println(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	fmt.Fprintln(c.w, line)
	c.drawLocked()
}

// Progress replaces the transient line.
func (c *Console) Progress(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	c.progress = fmt.Sprintf(format, args...)
	c.drawLocked()
}

// Done drops the transient line.
func (c *Console) Done() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	c.progress = ""
}
