// Copyright (C) 2024 CoreDB Authors.
// See LICENSE for copying information

// Package testcontext provides a *testing.T-scoped context.Context bundled
// with goroutine tracking and scratch-directory helpers. Most tests in this
// repository use context.Background() and t.TempDir() directly instead.
package testcontext

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// Context is a context.Context wired to the lifetime of a single test: it
// cancels on Cleanup, collects goroutine errors started with Go, and hands
// out a scratch directory cleaned up automatically.
type Context struct {
	context.Context

	t      *testing.T
	cancel context.CancelFunc

	once sync.Once
	dir  string

	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

// New returns a test context without a deadline.
func New(t *testing.T) *Context {
	ctx, cancel := context.WithCancel(context.Background())
	return &Context{Context: ctx, t: t, cancel: cancel}
}

// NewWithTimeout returns a test context that cancels itself after timeout,
// for exercising deadline/Timeout behavior deterministically.
func NewWithTimeout(t *testing.T, timeout time.Duration) *Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	return &Context{Context: ctx, t: t, cancel: cancel}
}

// Go runs fn in a goroutine tracked by the context; any error it returns is
// surfaced by Cleanup.
func (ctx *Context) Go(fn func() error) {
	ctx.wg.Add(1)
	go func() {
		defer ctx.wg.Done()
		if err := fn(); err != nil {
			ctx.mu.Lock()
			ctx.errs = append(ctx.errs, err)
			ctx.mu.Unlock()
		}
	}()
}

// Check runs fn and fails the test immediately if it returns an error; handy
// as `defer ctx.Check(resource.Close)`.
func (ctx *Context) Check(fn func() error) {
	if err := fn(); err != nil {
		ctx.t.Fatal(err)
	}
}

// Dir returns (creating if necessary) a scratch subdirectory under the
// context's temp root, joined from elem.
func (ctx *Context) Dir(elem ...string) string {
	ctx.once.Do(ctx.createDir)
	dir := filepath.Join(append([]string{ctx.dir}, elem...)...)
	if err := os.MkdirAll(dir, 0744); err != nil {
		ctx.t.Fatal(err)
	}
	return dir
}

// File returns a path to a file inside Dir(elem[:len(elem)-1]...), ensuring
// the parent directory exists.
func (ctx *Context) File(elem ...string) string {
	if len(elem) == 0 {
		ctx.t.Fatal("testcontext: File requires at least one path element")
	}
	dir := ctx.Dir(elem[:len(elem)-1]...)
	return filepath.Join(dir, elem[len(elem)-1])
}

func (ctx *Context) createDir() {
	var err error
	ctx.dir, err = ioutil.TempDir("", "coredb")
	if err != nil {
		ctx.t.Fatal(err)
	}
}

// Cleanup cancels the context, waits for tracked goroutines, fails the test
// on any of their errors, and removes the scratch directory.
func (ctx *Context) Cleanup() {
	ctx.cancel()
	ctx.wg.Wait()

	ctx.mu.Lock()
	errs := ctx.errs
	ctx.mu.Unlock()
	for _, err := range errs {
		ctx.t.Error(err)
	}

	if ctx.dir != "" {
		if err := os.RemoveAll(ctx.dir); err != nil {
			ctx.t.Error(err)
		}
	}
}
