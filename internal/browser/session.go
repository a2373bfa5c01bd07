package browser

import (
	"context"
	"encoding/json"
	"fmt"

	"webrunner/internal/logging"
	"webrunner/internal/types"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// SessionStore persists browser session snapshots between executions.
type SessionStore interface {
	SaveSession(data *types.SessionData) error
	LoadSession(domain string) (*types.SessionData, error)
}

// RestoreSession applies a stored snapshot for the given domain to the
// page before navigation. Cookies are applied directly; localStorage is
// staged and applied after the first navigation lands on the domain.
// A missing snapshot is not an error.
func (c *Context) RestoreSession(ctx context.Context, domain string) error {
	if c.driver.sessions == nil {
		return nil
	}
	data, err := c.driver.sessions.LoadSession(domain)
	if err != nil {
		return fmt.Errorf("load session for %s: %w", domain, err)
	}
	if data == nil {
		return nil
	}

	var cookies []*proto.NetworkCookie
	if len(data.Cookies) > 0 {
		if err := json.Unmarshal(data.Cookies, &cookies); err != nil {
			return fmt.Errorf("decode stored cookies for %s: %w", domain, err)
		}
	}
	if len(cookies) > 0 {
		params := make([]*proto.NetworkCookieParam, 0, len(cookies))
		for _, ck := range cookies {
			params = append(params, &proto.NetworkCookieParam{
				Name:     ck.Name,
				Value:    ck.Value,
				Domain:   ck.Domain,
				Path:     ck.Path,
				Expires:  ck.Expires,
				HTTPOnly: ck.HTTPOnly,
				Secure:   ck.Secure,
				SameSite: ck.SameSite,
				Priority: ck.Priority,
			})
		}
		if err := c.page.Context(ctx).SetCookies(params); err != nil {
			return fmt.Errorf("restore cookies for %s: %w", domain, err)
		}
	}

	c.pendingStorage = data.LocalStorage
	logging.Browser("session restored for %s: %d cookies, %d storage keys",
		domain, len(cookies), len(data.LocalStorage))
	return nil
}

// ApplyStoredStorage writes any staged localStorage entries into the
// current origin. Call after navigation; a no-op when nothing is staged.
func (c *Context) ApplyStoredStorage(ctx context.Context) {
	if len(c.pendingStorage) == 0 {
		return
	}
	encoded, err := json.Marshal(c.pendingStorage)
	if err != nil {
		logging.BrowserDebug("encode staged storage: %v", err)
		return
	}
	_, err = c.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: `(data) => {
			try {
				const entries = JSON.parse(data || "{}");
				Object.entries(entries).forEach(([k, v]) => localStorage.setItem(k, v));
			} catch (e) {}
		}`,
		JSArgs:       []interface{}{string(encoded)},
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		logging.BrowserDebug("apply staged storage: %v", err)
	}
	c.pendingStorage = nil
}

// SaveUserData snapshots the page's cookies and localStorage and persists
// them keyed by domain, replacing any previous snapshot.
func (c *Context) SaveUserData(ctx context.Context, domain string) error {
	if c.driver.sessions == nil {
		return nil
	}
	if domain == "" {
		domain = c.domain
	}
	if domain == "" {
		return fmt.Errorf("no domain to key the session snapshot")
	}

	cookiesRes, err := proto.NetworkGetCookies{}.Call(c.page.Context(ctx))
	if err != nil {
		return fmt.Errorf("get cookies: %w", err)
	}
	cookies, err := json.Marshal(cookiesRes.Cookies)
	if err != nil {
		return fmt.Errorf("encode cookies: %w", err)
	}

	storage := c.snapshotLocalStorage(ctx)

	data := &types.SessionData{
		Domain:       domain,
		Cookies:      cookies,
		LocalStorage: storage,
	}
	if err := c.driver.sessions.SaveSession(data); err != nil {
		return fmt.Errorf("persist session for %s: %w", domain, err)
	}
	logging.Browser("session saved for %s: %d cookies, %d storage keys",
		domain, len(cookiesRes.Cookies), len(storage))
	return nil
}

func (c *Context) snapshotLocalStorage(ctx context.Context) map[string]string {
	res, err := c.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: `() => {
			try {
				const out = {};
				for (const key of Object.keys(localStorage)) {
					out[key] = localStorage.getItem(key);
				}
				return JSON.stringify(out);
			} catch (e) {
				return "{}";
			}
		}`,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil || res == nil || res.Value.Nil() {
		return map[string]string{}
	}

	storage := map[string]string{}
	if err := json.Unmarshal([]byte(res.Value.String()), &storage); err != nil {
		logging.BrowserDebug("decode local storage snapshot: %v", err)
		return map[string]string{}
	}
	return storage
}
