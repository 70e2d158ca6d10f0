package ngenic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/joshp123/ngenic-bridge/internal/apierr"
	"github.com/joshp123/ngenic-bridge/internal/credential"
	"github.com/joshp123/ngenic-bridge/internal/rate"
	"github.com/joshp123/ngenic-bridge/internal/topology"
)

const providerName = "ngenic"

// Client talks to the Ngenic REST API. It classifies failures into the
// apierr taxonomy and never decides retry policy beyond its fixed budget.
type Client struct {
	baseURL    string
	timeout    time.Duration
	transport  http.RoundTripper
	guard      *rate.Guard
	tunes      map[string]struct{}
	location   *time.Location
	attempts   int
	retryDelay time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// RateLimits declares the client-side budget and 429 back-off for the API.
func RateLimits(cfg Config) rate.Declaration {
	return rate.Provider(providerName).
		MaxRequestsPer(rate.Minute, cfg.MaxRequestsPerMinute).
		Backoff(cfg.RateLimitBackoff, cfg.RateLimitBackoffMax).
		ReadHeaders(rate.StandardHeaders())
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	return NewClientWithTransport(cfg, http.DefaultTransport, logger)
}

func NewClientWithTransport(cfg Config, base http.RoundTripper, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	var tunes map[string]struct{}
	if len(cfg.Tunes) > 0 {
		tunes = make(map[string]struct{}, len(cfg.Tunes))
		for _, id := range cfg.Tunes {
			tunes[id] = struct{}{}
		}
	}

	guard := rate.NewGuard(RateLimits(cfg))
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    cfg.RequestTimeout,
		transport:  guard.RoundTripper(base),
		guard:      guard,
		tunes:      tunes,
		location:   loc,
		attempts:   attempts,
		retryDelay: cfg.RetryDelay,
		now:        time.Now,
		logger:     logger.With(zap.String("component", "ngenic-client")),
	}
}

// Authenticate validates the credential with a cheap call and returns a new
// session bound to it.
func (c *Client) Authenticate(ctx context.Context, cred credential.Credential) (credential.Session, error) {
	if !cred.Valid() {
		return credential.Session{}, &apierr.AuthError{Message: "empty token"}
	}
	session := credential.NewSession(cred, c.now())

	var tunes []tuneJSON
	if _, err := c.getJSON(ctx, session, "authenticate", "tunes/", &tunes); err != nil {
		return credential.Session{}, err
	}
	return session, nil
}

// FetchTopology reads every gateway, node and channel. Any failing
// sub-request fails the whole fetch.
func (c *Client) FetchTopology(ctx context.Context, session credential.Session) (topology.Snapshot, error) {
	var tunes []tuneJSON
	if _, err := c.getJSON(ctx, session, "list tunes", "tunes/", &tunes); err != nil {
		return topology.Snapshot{}, err
	}

	snap := topology.Snapshot{FetchedAt: c.now()}
	for _, tune := range tunes {
		id := tune.id()
		if id == "" {
			return topology.Snapshot{}, &apierr.ParseError{Op: "list tunes", Err: errors.New("tune without uuid")}
		}
		if !c.wantTune(id) {
			continue
		}
		gw, err := c.fetchGateway(ctx, session, id, tune.name(), snap.FetchedAt)
		if err != nil {
			return topology.Snapshot{}, err
		}
		snap.Gateways = append(snap.Gateways, gw)
	}
	return snap, nil
}

func (c *Client) wantTune(id string) bool {
	if c.tunes == nil {
		return true
	}
	_, ok := c.tunes[id]
	return ok
}

func (c *Client) fetchGateway(ctx context.Context, session credential.Session, tuneID, name string, fetchedAt time.Time) (topology.Gateway, error) {
	base := "tunes/" + url.PathEscape(tuneID)

	// The list endpoint omits roomToControlUuid.
	var tune tuneJSON
	if _, err := c.getJSON(ctx, session, "read tune", base, &tune); err != nil {
		return topology.Gateway{}, err
	}
	var rooms []roomJSON
	if _, err := c.getJSON(ctx, session, "list rooms", base+"/rooms/", &rooms); err != nil {
		return topology.Gateway{}, err
	}
	var nodes []nodeJSON
	if _, err := c.getJSON(ctx, session, "list nodes", base+"/gateway/nodes/", &nodes); err != nil {
		return topology.Gateway{}, err
	}
	statuses, err := c.nodeStatuses(ctx, session, tuneID)
	if err != nil {
		return topology.Gateway{}, err
	}
	away, err := c.awayWindow(ctx, session, tuneID)
	if err != nil {
		return topology.Gateway{}, err
	}

	control := controlRooms(tune, rooms)
	roomsByNode := make(map[string]roomJSON, len(rooms))
	for _, room := range rooms {
		if room.NodeUUID != "" {
			roomsByNode[room.NodeUUID] = room
		}
	}

	gw := topology.Gateway{ID: tuneID, Name: name, Away: away}
	for _, node := range nodes {
		if node.UUID == "" {
			return topology.Gateway{}, &apierr.ParseError{Op: "list nodes", Err: errors.New("node without uuid")}
		}
		if node.Type == NodeGateway {
			gw.Online = true
		}

		var types []string
		path := base + "/measurements/" + url.PathEscape(node.UUID) + "/types"
		if _, err := c.getJSON(ctx, session, "list measurement types", path, &types); err != nil {
			return topology.Gateway{}, err
		}

		room, inRoom := roomsByNode[node.UUID]
		channels := make([]topology.Channel, 0, len(types)+5)
		for _, t := range types {
			channels = append(channels, derivedChannel(node.UUID, t, 0, time.Time{}))
			if t == topology.TypeEnergy {
				channels = append(channels,
					derivedChannel(node.UUID, topology.TypeEnergyThisMonth, 0, time.Time{}),
					derivedChannel(node.UUID, topology.TypeEnergyLastMonth, 0, time.Time{}),
				)
			}
		}
		if inRoom && control[room.UUID] {
			setpoint := derivedChannel(node.UUID, topology.TypeSetpoint, 0, time.Time{})
			if room.TargetTemperature != nil {
				setpoint.Value = *room.TargetTemperature
				setpoint.Timestamp = fetchedAt
			}
			channels = append(channels, setpoint)
		}
		if status, ok := statuses[node.UUID]; ok {
			ts := c.statusTime(status, fetchedAt)
			channels = append(channels,
				derivedChannel(node.UUID, topology.TypeBattery, status.batteryPercent(), ts),
				derivedChannel(node.UUID, topology.TypeRadioSignal, status.signalPercent(), ts),
			)
		}

		out := topology.Node{
			ID:        node.UUID,
			GatewayID: tuneID,
			Name:      nodeName(node.Type, room.Name),
			Type:      node.Type.String(),
			Channels:  channels,
		}
		if inRoom {
			out.RoomID = room.UUID
		}
		gw.Nodes = append(gw.Nodes, out)
	}
	return gw, nil
}

func derivedChannel(nodeID, remoteType string, value float64, ts time.Time) topology.Channel {
	kind, unit := topology.ParseKind(remoteType)
	return topology.Channel{
		ID:        topology.ChannelID(nodeID, remoteType),
		Type:      remoteType,
		Kind:      kind,
		Unit:      unit,
		Value:     value,
		Timestamp: ts,
	}
}

// nodeName appends the room name for sensor nodes only.
func nodeName(t NodeType, room string) string {
	name := "Ngenic " + t.String()
	if t == NodeSensor && room != "" {
		name += " " + room
	}
	return name
}

// FetchMeasurement reads the current value of one channel. An empty Reading
// means the remote had no data for it.
func (c *Client) FetchMeasurement(ctx context.Context, session credential.Session, ref topology.ChannelRef) (topology.Reading, error) {
	_, unit := topology.ParseKind(ref.Type)

	if ref.Type == topology.TypeSetpoint {
		return c.readSetpoint(ctx, session, ref, unit)
	}

	switch ref.Kind {
	case topology.KindBattery, topology.KindSignal:
		statuses, err := c.nodeStatuses(ctx, session, ref.GatewayID)
		if err != nil {
			return topology.Reading{}, err
		}
		status, ok := statuses[ref.NodeID]
		if !ok {
			return topology.Reading{}, &apierr.NotFoundError{Resource: "node status " + ref.NodeID}
		}
		value := status.batteryPercent()
		if ref.Kind == topology.KindSignal {
			value = status.signalPercent()
		}
		return topology.Reading{Value: value, Unit: unit, Timestamp: c.statusTime(status, c.now())}, nil

	case topology.KindEnergy:
		from, to := c.periodBounds(ref.Type)
		query := url.Values{}
		query.Set("type", topology.TypeEnergy)
		query.Set("from", from)
		query.Set("to", to)
		path := c.measurementPath(ref) + "?" + query.Encode()
		return c.readMeasurement(ctx, session, "read energy", path, unit)

	default:
		query := url.Values{}
		query.Set("type", ref.Type)
		path := c.measurementPath(ref) + "/latest?" + query.Encode()
		return c.readMeasurement(ctx, session, "read measurement", path, unit)
	}
}

func (c *Client) measurementPath(ref topology.ChannelRef) string {
	return "tunes/" + url.PathEscape(ref.GatewayID) + "/measurements/" + url.PathEscape(ref.NodeID)
}

func (c *Client) readMeasurement(ctx context.Context, session credential.Session, op, path string, unit topology.Unit) (topology.Reading, error) {
	var body measurementBody
	noContent, err := c.getJSON(ctx, session, op, path, &body)
	if err != nil {
		return topology.Reading{}, err
	}
	if noContent {
		return topology.Reading{}, nil
	}
	m, ok := body.last()
	if !ok || m.Value == nil {
		return topology.Reading{}, nil
	}

	ts := c.now()
	if m.Timestamp != "" {
		parsed, err := parseTimestamp(m.Timestamp)
		if err != nil {
			return topology.Reading{}, &apierr.ParseError{Op: op, Err: err}
		}
		ts = parsed
	}
	return topology.Reading{Value: *m.Value, Unit: unit, Timestamp: ts}, nil
}

func (c *Client) nodeStatuses(ctx context.Context, session credential.Session, tuneID string) (map[string]nodeStatusJSON, error) {
	var statuses []nodeStatusJSON
	path := "tunes/" + url.PathEscape(tuneID) + "/nodestatus"
	if _, err := c.getJSON(ctx, session, "node status", path, &statuses); err != nil {
		return nil, err
	}
	out := make(map[string]nodeStatusJSON, len(statuses))
	for _, status := range statuses {
		out[status.NodeUUID] = status
	}
	return out, nil
}

func (c *Client) statusTime(status nodeStatusJSON, fallback time.Time) time.Time {
	if ts, err := parseTimestamp(status.Timestamp); err == nil {
		return ts
	}
	return fallback
}

// periodBounds returns the period an energy channel sums over, formatted as
// the API expects it: a local timestamp followed by the zone name. from is
// inclusive and to exclusive.
func (c *Client) periodBounds(remoteType string) (string, string) {
	now := c.now().In(c.location)
	var from, to time.Time
	switch remoteType {
	case topology.TypeEnergyThisMonth:
		from = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, c.location)
		to = from.AddDate(0, 1, 0)
	case topology.TypeEnergyLastMonth:
		to = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, c.location)
		from = to.AddDate(0, -1, 0)
	default:
		from = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.location)
		to = from.AddDate(0, 0, 1)
	}
	const layout = "2006-01-02T15:04:05"
	zone := c.location.String()
	return from.Format(layout) + " " + zone, to.Format(layout) + " " + zone
}

// readSetpoint reads the target temperature of the room the node sits in.
func (c *Client) readSetpoint(ctx context.Context, session credential.Session, ref topology.ChannelRef, unit topology.Unit) (topology.Reading, error) {
	var rooms []roomJSON
	path := "tunes/" + url.PathEscape(ref.GatewayID) + "/rooms/"
	if _, err := c.getJSON(ctx, session, "read setpoint", path, &rooms); err != nil {
		return topology.Reading{}, err
	}
	for _, room := range rooms {
		if room.NodeUUID != ref.NodeID {
			continue
		}
		if room.TargetTemperature == nil {
			return topology.Reading{}, nil
		}
		return topology.Reading{Value: *room.TargetTemperature, Unit: unit, Timestamp: c.now()}, nil
	}
	return topology.Reading{}, &apierr.NotFoundError{Resource: "room of node " + ref.NodeID}
}

func (c *Client) awayWindow(ctx context.Context, session credential.Session, tuneID string) (topology.AwayWindow, error) {
	var schedules []scheduleJSON
	path := "tunes/" + url.PathEscape(tuneID) + "/setpointschedules"
	if _, err := c.getJSON(ctx, session, "list setpoint schedules", path, &schedules); err != nil {
		return topology.AwayWindow{}, err
	}
	for _, schedule := range schedules {
		if schedule.Name != AwayScheduleName {
			continue
		}
		start, errStart := parseTimestamp(schedule.StartTime)
		end, errEnd := parseTimestamp(schedule.EndTime)
		if errStart != nil || errEnd != nil {
			// Schedules without a usable period are not an away window.
			return topology.AwayWindow{}, nil
		}
		return topology.AwayWindow{Start: start, End: end}, nil
	}
	return topology.AwayWindow{}, nil
}

// AwayScheduleName names the setpoint schedule the bridge owns. Other
// schedules on the tune are left alone.
const AwayScheduleName = "Ngenic bridge away schedule"

// SetTargetTemperature changes the target temperature of a room.
func (c *Client) SetTargetTemperature(ctx context.Context, session credential.Session, tuneID, roomID string, celsius float64) error {
	return c.updateRoom(ctx, session, "set target temperature", tuneID, roomID, func(room map[string]any) {
		room["targetTemperature"] = celsius
	})
}

// SetActiveControl marks whether a room's sensor takes part in controlling
// the tune.
func (c *Client) SetActiveControl(ctx context.Context, session credential.Session, tuneID, roomID string, active bool) error {
	return c.updateRoom(ctx, session, "set active control", tuneID, roomID, func(room map[string]any) {
		room["activeControl"] = active
	})
}

// updateRoom reads the room, applies mutate and writes the whole room back so
// fields the bridge does not model survive.
func (c *Client) updateRoom(ctx context.Context, session credential.Session, op, tuneID, roomID string, mutate func(map[string]any)) error {
	path := "tunes/" + url.PathEscape(tuneID) + "/rooms/" + url.PathEscape(roomID)
	var room map[string]any
	noContent, err := c.getJSON(ctx, session, op, path, &room)
	if err != nil {
		return err
	}
	if noContent || room == nil {
		return &apierr.NotFoundError{Resource: path}
	}
	mutate(room)
	return c.sendJSON(ctx, session, op, http.MethodPut, path, room)
}

// SetAway writes the away schedule of a tune. A window that is not scheduled
// deletes the schedule.
func (c *Client) SetAway(ctx context.Context, session credential.Session, tuneID string, window topology.AwayWindow) error {
	path := "tunes/" + url.PathEscape(tuneID) + "/setpointschedules"
	var schedules []map[string]any
	if _, err := c.getJSON(ctx, session, "list setpoint schedules", path, &schedules); err != nil {
		return err
	}

	var schedule map[string]any
	for _, candidate := range schedules {
		if name, _ := candidate["name"].(string); name == AwayScheduleName {
			schedule = candidate
			break
		}
	}
	scheduleID, _ := schedule["uuid"].(string)

	if !window.Scheduled() {
		if scheduleID == "" {
			return nil
		}
		return c.sendJSON(ctx, session, "clear away schedule", http.MethodDelete, path+"/"+url.PathEscape(scheduleID), nil)
	}

	if schedule == nil {
		schedule = map[string]any{
			"name":           AwayScheduleName,
			"autoTune":       true,
			"lowestSetpoint": 12,
		}
	}
	schedule["startTime"] = window.Start.UTC().Format(time.RFC3339)
	schedule["endTime"] = window.End.UTC().Format(time.RFC3339)
	if scheduleID != "" {
		return c.sendJSON(ctx, session, "update away schedule", http.MethodPut, path+"/"+url.PathEscape(scheduleID), schedule)
	}
	return c.sendJSON(ctx, session, "create away schedule", http.MethodPost, path, schedule)
}

// getJSON decodes a GET response into out. It reports true when the remote
// answered without a body.
func (c *Client) getJSON(ctx context.Context, session credential.Session, op, path string, out any) (bool, error) {
	if !session.Valid() {
		return false, &apierr.AuthError{Message: "no active session"}
	}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, c.retryDelay); err != nil {
				return false, &apierr.TransportError{Op: op, Err: err}
			}
		}
		noContent, retry, err := c.tryGetJSON(ctx, session, op, path, out)
		if err == nil {
			return noContent, nil
		}
		if !retry {
			return false, err
		}
		lastErr = err
		c.logger.Debug("ngenic request failed",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return false, lastErr
}

func (c *Client) tryGetJSON(ctx context.Context, session credential.Session, op, path string, out any) (bool, bool, error) {
	resp, err := c.doRequest(ctx, session, http.MethodGet, path, nil)
	if err != nil {
		retry, err := c.requestError(ctx, op, err)
		return false, retry, err
	}
	defer resp.Body.Close()
	observeRequest(strconv.Itoa(resp.StatusCode))

	if resp.StatusCode == http.StatusNoContent {
		return true, false, nil
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			if errors.Is(err, io.EOF) {
				return true, false, nil
			}
			return false, false, &apierr.ParseError{Op: op, Err: err}
		}
		return false, false, nil
	}
	retry, err := c.statusError(resp, op, path)
	return false, retry, err
}

// sendJSON issues a single write request. Writes are never retried.
func (c *Client) sendJSON(ctx context.Context, session credential.Session, op, method, path string, body any) error {
	if !session.Valid() {
		return &apierr.AuthError{Message: "no active session"}
	}
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		payload = bytes.NewReader(data)
	}

	resp, err := c.doRequest(ctx, session, method, path, payload)
	if err != nil {
		_, err := c.requestError(ctx, op, err)
		return err
	}
	defer resp.Body.Close()
	observeRequest(strconv.Itoa(resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	_, err = c.statusError(resp, op, path)
	return err
}

// requestError classifies a failed round trip and reports whether it may be
// retried.
func (c *Client) requestError(ctx context.Context, op string, err error) (bool, error) {
	var limited rate.RateLimitError
	if errors.As(err, &limited) {
		observeRequest("throttled")
		return false, &apierr.RateLimitedError{Op: op, RetryAt: limited.RetryAt, Err: limited}
	}
	observeRequest("error")
	if ctx.Err() != nil {
		return false, &apierr.TransportError{Op: op, Err: ctx.Err()}
	}
	return true, &apierr.TransportError{Op: op, Err: err}
}

// statusError classifies a non-2xx response and reports whether it may be
// retried.
func (c *Client) statusError(resp *http.Response, op, path string) (bool, error) {
	message := errorMessage(resp)
	statusErr := HTTPStatusError{Status: resp.StatusCode, Body: message}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, &apierr.AuthError{Status: resp.StatusCode, Message: message}
	case resp.StatusCode == http.StatusNotFound:
		return false, &apierr.NotFoundError{Resource: strings.SplitN(path, "?", 2)[0]}
	case resp.StatusCode == http.StatusTooManyRequests:
		return false, &apierr.RateLimitedError{Op: op, RetryAt: c.guard.CooldownUntil(), Err: statusErr}
	case resp.StatusCode >= 500:
		return true, &apierr.TransportError{Op: op, Status: resp.StatusCode, Err: statusErr}
	default:
		return false, &apierr.TransportError{Op: op, Status: resp.StatusCode, Err: statusErr}
	}
}

func (c *Client) doRequest(ctx context.Context, session credential.Session, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{
		Timeout: c.timeout,
		Transport: &oauth2.Transport{
			Source: session.TokenSource(),
			Base:   c.transport,
		},
	}
	return client.Do(req)
}

type HTTPStatusError struct {
	Status int
	Body   string
}

func (e HTTPStatusError) Error() string {
	return fmt.Sprintf("ngenic api error %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// errorMessage prefers the JSON "message" field of an error body.
func errorMessage(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body errorJSON
	if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
		return body.Message
	}
	if text := strings.TrimSpace(string(data)); text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
