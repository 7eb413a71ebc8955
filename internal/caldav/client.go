// Package caldav is the read/write adapter for CalDAV accounts.
package caldav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/remote"
)

const prodID = "-//calsync//calsync 1.0//EN"

// Account holds the connection settings of one CalDAV server login.
type Account struct {
	Name     string
	URL      string
	Username string
	Password string
	Color    string
}

// Client talks to one CalDAV account. It implements remote.Adapter for
// every calendar discovered on that account.
type Client struct {
	account Account
	dav     *caldav.Client
	now     func() time.Time
}

// statusTransport turns error statuses into *remote.StatusError so callers
// can classify failures without depending on go-webdav internals.
type statusTransport struct {
	base http.RoundTripper
}

func (t statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, &remote.StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return resp, nil
}

// New prepares a client for acc. httpClient may be nil.
func New(acc Account, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(acc.URL) == "" {
		return nil, errors.New("caldav: account url is empty")
	}
	base := http.DefaultTransport
	timeout := 30 * time.Second
	if httpClient != nil {
		if httpClient.Transport != nil {
			base = httpClient.Transport
		}
		timeout = httpClient.Timeout
	}
	hc := &http.Client{Transport: statusTransport{base: base}, Timeout: timeout}

	var dc webdav.HTTPClient = hc
	if acc.Username != "" || acc.Password != "" {
		dc = webdav.HTTPClientWithBasicAuth(hc, acc.Username, acc.Password)
	}
	cli, err := caldav.NewClient(dc, acc.URL)
	if err != nil {
		return nil, fmt.Errorf("caldav: new client: %w", err)
	}
	return &Client{account: acc, dav: cli, now: time.Now}, nil
}

// SourceID derives the stable source id of a calendar on an account.
func SourceID(account, calendarPath string) string {
	return "caldav:" + account + ":" + calendarPath
}

// Discover lists the calendars of the account that can hold events.
func (c *Client) Discover(ctx context.Context) ([]model.CalendarSource, error) {
	principal, err := c.dav.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, remote.NewFetchError(c.account.Name, fmt.Errorf("find principal: %w", err))
	}
	homeSet, err := c.dav.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, remote.NewFetchError(c.account.Name, fmt.Errorf("find calendar home set: %w", err))
	}
	cals, err := c.dav.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, remote.NewFetchError(c.account.Name, fmt.Errorf("find calendars: %w", err))
	}

	out := make([]model.CalendarSource, 0, len(cals))
	for _, cal := range cals {
		if !supportsEvents(cal.SupportedComponentSet) {
			continue
		}
		name := cal.Name
		if name == "" {
			name = path.Base(strings.TrimSuffix(cal.Path, "/"))
		}
		out = append(out, model.CalendarSource{
			ID:         SourceID(c.account.Name, cal.Path),
			Name:       name,
			Color:      c.account.Color,
			Kind:       model.SourceCalDAV,
			Writable:   true,
			Visible:    true,
			Account:    c.account.Name,
			CalendarID: cal.Path,
			URL:        c.account.URL,
		})
	}
	appLog.Info("caldav discovery completed", "account", c.account.Name, "calendars", len(out))
	return out, nil
}

func supportsEvents(set []string) bool {
	if len(set) == 0 {
		return true
	}
	for _, comp := range set {
		if strings.EqualFold(comp, ical.CompEvent) {
			return true
		}
	}
	return false
}

// Fetch runs a time-range calendar-query for VEVENTs in [from, to).
func (c *Client) Fetch(ctx context.Context, src model.CalendarSource, from, to time.Time) ([]model.Event, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: from.UTC(),
				End:   to.UTC(),
			}},
		},
	}
	objects, err := c.dav.QueryCalendar(ctx, src.CalendarID, query)
	if err != nil {
		return nil, remote.NewFetchError(src.ID, err)
	}

	events := make([]model.Event, 0, len(objects))
	for _, obj := range objects {
		parsed, err := objectEvents(src, obj)
		if err != nil {
			appLog.Error("caldav object skipped", err, "source", src.ID, "path", obj.Path)
			continue
		}
		events = append(events, parsed...)
	}
	appLog.Debug("caldav fetch completed", "source", src.ID, "objects", len(objects), "events", len(events))
	return events, nil
}

func objectEvents(src model.CalendarSource, obj caldav.CalendarObject) ([]model.Event, error) {
	if obj.Data == nil {
		return nil, remote.ErrMalformed
	}
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(obj.Data); err != nil {
		return nil, fmt.Errorf("encode %s: %v: %w", obj.Path, err, remote.ErrMalformed)
	}
	events, err := ics.ParseICS(src, buf.Bytes())
	if err != nil {
		return nil, err
	}
	for i := range events {
		events[i].Href = obj.Path
		if obj.ETag != "" {
			events[i].Revision = obj.ETag
		}
	}
	return events, nil
}

// Push writes one operation. Creates and updates PUT the whole resource at
// a path derived from the uid, so a retried push overwrites instead of
// duplicating. A delete of a resource that is already gone succeeds.
func (c *Client) Push(ctx context.Context, src model.CalendarSource, op model.Operation, ev model.Event) (string, error) {
	if ev.Detached() {
		// The object holds the whole series; neither a PUT nor a DELETE of
		// its href can target this instance alone.
		return "", &remote.PushError{Source: src.ID, Kind: remote.Permanent, Err: fmt.Errorf("%s: detached instance is read-only", ev.ID.UID)}
	}
	href := objectPath(src.CalendarID, ev)

	if op == model.OpDelete {
		err := c.dav.RemoveAll(ctx, href)
		var se *remote.StatusError
		if errors.As(err, &se) && (se.StatusCode == http.StatusNotFound || se.StatusCode == http.StatusGone) {
			appLog.Debug("caldav delete of missing resource treated as success", "source", src.ID, "uid", ev.ID.UID)
			return "", nil
		}
		if err != nil {
			return "", remote.NewPushError(src.ID, err)
		}
		return "", nil
	}

	cal, err := BuildCalendar(ev, c.now())
	if err != nil {
		return "", &remote.PushError{Source: src.ID, Kind: remote.Permanent, Err: err}
	}
	obj, err := c.dav.PutCalendarObject(ctx, href, cal)
	if err != nil {
		return "", remote.NewPushError(src.ID, err)
	}
	appLog.Info("caldav push success", "source", src.ID, "op", op, "uid", ev.ID.UID)
	if obj == nil {
		return "", nil
	}
	return obj.ETag, nil
}

func objectPath(calendarPath string, ev model.Event) string {
	if ev.Href != "" {
		return ev.Href
	}
	if !strings.HasSuffix(calendarPath, "/") {
		calendarPath += "/"
	}
	return calendarPath + url.PathEscape(ev.ID.UID) + ".ics"
}
