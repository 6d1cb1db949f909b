package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"tpmgate/internal/page"
)

const permissionKey = "notification_permission"

// terminalBanner prints in-page banners as text blocks.
type terminalBanner struct {
	mu  sync.Mutex
	out io.Writer
}

func (b *terminalBanner) ShowBanner(bn page.Banner) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fmt.Fprintf(b.out, "┌ %s  %s\n", bn.Title, bn.Time.Format("15:04:05"))
	fmt.Fprintf(b.out, "│ %s\n", bn.Body)
	if bn.Target != "" {
		fmt.Fprintf(b.out, "└ %s\n", bn.Target)
	}
}

// stationPlatform keeps the notification permission of the station in
// storage. The terminal has no host prompt of its own, so a request made
// after the user agreed in the consent prompt is granted.
type stationPlatform struct {
	store page.Storage
}

func (p *stationPlatform) Supported() bool { return true }

func (p *stationPlatform) Permission() page.PermissionState {
	v, ok, err := p.store.Get(permissionKey)
	if err != nil || !ok {
		return page.PermissionDefault
	}
	switch s := page.PermissionState(v); s {
	case page.PermissionGranted, page.PermissionDenied:
		return s
	}
	return page.PermissionDefault
}

func (p *stationPlatform) RequestPermission(context.Context) (page.PermissionState, error) {
	if err := p.store.Set(permissionKey, string(page.PermissionGranted)); err != nil {
		return page.PermissionDefault, err
	}
	return page.PermissionGranted, nil
}

// terminalPrompt is the consent dialog on a terminal.
type terminalPrompt struct {
	in  *bufio.Reader
	out io.Writer
}

func newTerminalPrompt(in io.Reader, out io.Writer) *terminalPrompt {
	return &terminalPrompt{in: bufio.NewReader(in), out: out}
}

func (p *terminalPrompt) Ask(ctx context.Context) (bool, error) {
	fmt.Fprintln(p.out, "🔔 فعال‌سازی اعلان‌ها")
	fmt.Fprintln(p.out, "برای دریافت گزارش‌ها و درخواست‌های جدید، اعلان‌ها را فعال کنید.")
	fmt.Fprint(p.out, "Allow notifications? [y/N]: ")

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		ch <- answer{line, err}
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a := <-ch:
		if a.err != nil && a.err != io.EOF {
			return false, a.err
		}
		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "y", "yes", "بله":
			return true, nil
		}
		return false, nil
	}
}

func (p *terminalPrompt) Notify(n page.Notice) {
	switch n {
	case page.NoticeBlocked:
		fmt.Fprintln(p.out, "اعلان‌ها مسدود شده‌اند. برای فعال‌سازی، مجوز این ایستگاه را بازنشانی کنید.")
	case page.NoticeUnsupported:
		fmt.Fprintln(p.out, "این ایستگاه از اعلان‌ها پشتیبانی نمی‌کند.")
	case page.NoticeGranted:
		fmt.Fprintln(p.out, "✅ اعلان‌ها فعال شدند.")
	case page.NoticeDenied:
		fmt.Fprintln(p.out, "اعلان‌ها فعال نشدند.")
	}
}
