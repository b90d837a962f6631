package browser

import (
	"strconv"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/probe/internal/config"
)

// flag is one Chrome command line switch. A bool value of true renders as a
// bare switch and false removes it.
type flag struct {
	name  string
	value any
}

// baseFlags is the switch set every session starts from. site-per-process is
// disabled so cross-origin iframes stay in the page target and share its
// runtime, which lets frame evaluation go through one CDP session.
var baseFlags = []flag{
	{"no-first-run", true},
	{"no-default-browser-check", true},
	{"disable-background-networking", true},
	{"disable-background-timer-throttling", true},
	{"disable-backgrounding-occluded-windows", true},
	{"disable-renderer-backgrounding", true},
	{"disable-breakpad", true},
	{"disable-client-side-phishing-detection", true},
	{"disable-default-apps", true},
	{"disable-extensions", true},
	{"disable-features", "site-per-process,Translate,BlinkGenPropertyTrees"},
	{"disable-hang-monitor", true},
	{"disable-ipc-flooding-protection", true},
	{"disable-popup-blocking", true},
	{"disable-prompt-on-repost", true},
	{"disable-sync", true},
	{"disable-dev-shm-usage", true},
	{"single-process", true},
	{"ipc", "host"},
	{"disable-gpu", true},
	{"enable-automation", true},
	{"force-color-profile", "srgb"},
	{"metrics-recording-only", true},
	{"password-store", "basic"},
	{"use-mock-keychain", true},
	{"mute-audio", true},
	{"hide-scrollbars", true},
}

// allocatorFlags resolves the switches for one browser process. Later entries
// win over earlier ones with the same name, so configured args override the
// base set. proxy, when non-empty, routes all traffic including loopback
// through the given host:port.
func allocatorFlags(cfg config.BrowserConfig, proxy string) []flag {
	flags := append([]flag(nil), baseFlags...)
	if cfg.Headless {
		flags = append(flags, flag{"headless", "new"})
	}
	if cfg.NoSandbox {
		flags = append(flags, flag{"no-sandbox", true})
	}
	if cfg.Viewport.Width > 0 && cfg.Viewport.Height > 0 {
		flags = append(flags, flag{"window-size", strconv.Itoa(cfg.Viewport.Width) + "," + strconv.Itoa(cfg.Viewport.Height)})
	}
	if proxy != "" {
		flags = append(flags,
			flag{"proxy-server", "http://" + proxy},
			flag{"proxy-bypass-list", "<-loopback>"},
			flag{"ignore-certificate-errors", true},
		)
	}
	for _, arg := range cfg.Args {
		arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
		if arg == "" {
			continue
		}
		if key, value, found := strings.Cut(arg, "="); found {
			flags = append(flags, flag{key, value})
		} else {
			flags = append(flags, flag{arg, true})
		}
	}
	return dedupe(flags)
}

func dedupe(flags []flag) []flag {
	last := make(map[string]int, len(flags))
	for i, f := range flags {
		last[f.name] = i
	}
	out := make([]flag, 0, len(last))
	for i, f := range flags {
		if last[f.name] == i {
			out = append(out, f)
		}
	}
	return out
}

// AllocatorOptions converts the configuration into chromedp exec allocator
// options. No user data dir is set, so chromedp creates a throwaway profile
// per process and removes it on exit.
func AllocatorOptions(cfg config.BrowserConfig, proxy string) []chromedp.ExecAllocatorOption {
	flags := allocatorFlags(cfg, proxy)
	opts := make([]chromedp.ExecAllocatorOption, 0, len(flags)+1)
	for _, f := range flags {
		opts = append(opts, chromedp.Flag(f.name, f.value))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}
