package session

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"ivbench/internal/protocol"
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    []string
	closes  int
	sendErr error
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, string(data))
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeDialer struct {
	mu        sync.Mutex
	err       error
	dials     int
	last      *fakeTransport
	onMessage func([]byte)
	onClose   func(error)
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string, onMessage func([]byte), onClose func(error)) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	d.last = &fakeTransport{}
	d.onMessage = onMessage
	d.onClose = onClose
	return d.last, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) Transport() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func (d *fakeDialer) Deliver(raw string) {
	d.mu.Lock()
	fn := d.onMessage
	d.mu.Unlock()
	fn([]byte(raw))
}

func (d *fakeDialer) Drop(err error) {
	d.mu.Lock()
	fn := d.onClose
	d.mu.Unlock()
	fn(err)
}

const testEndpoint = "ws://127.0.0.1:8000/com"

func testConfig() protocol.MeasurementConfig {
	return protocol.MeasurementConfig{Port: "/dev/ttyUSB0", Iterations: 10, IsVoltSrc: true}
}

func newConnected(t *testing.T, obs Observer) (*Controller, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	c := NewController(Options{Dialer: d, GraceDelay: 10 * time.Millisecond, Observer: obs})
	if err := c.Connect(context.Background(), testEndpoint); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return c, d
}

func newMeasuring(t *testing.T, obs Observer) (*Controller, *fakeDialer) {
	t.Helper()
	c, d := newConnected(t, obs)
	if !c.StartMeasurement(testConfig()) {
		t.Fatal("StartMeasurement returned false")
	}
	return c, d
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected state %s, got %s", want, c.State())
}

func TestController_ConnectOpensOnce(t *testing.T) {
	c, d := newConnected(t, nil)
	if c.State() != StateConnected {
		t.Fatalf("expected connected, got %s", c.State())
	}
	if c.SessionID() == "" {
		t.Error("expected a session id")
	}

	if err := c.Connect(context.Background(), testEndpoint); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	c.StartMeasurement(testConfig())
	if err := c.Connect(context.Background(), testEndpoint); err != nil {
		t.Fatalf("Connect while measuring failed: %v", err)
	}
	if d.Dials() != 1 {
		t.Errorf("expected 1 dial, got %d", d.Dials())
	}
}

func TestController_ConnectFailure(t *testing.T) {
	d := &fakeDialer{err: errors.New("connection refused")}
	c := NewController(Options{Dialer: d})

	err := c.Connect(context.Background(), testEndpoint)
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if terr.Endpoint != testEndpoint {
		t.Errorf("expected endpoint %s, got %s", testEndpoint, terr.Endpoint)
	}
	if c.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", c.State())
	}
	if c.IsConnected() {
		t.Error("expected IsConnected false")
	}
}

func TestController_StartMeasurementRequiresConnected(t *testing.T) {
	c := NewController(Options{Dialer: &fakeDialer{}})
	if c.StartMeasurement(testConfig()) {
		t.Fatal("expected false while disconnected")
	}
	if c.State() != StateDisconnected {
		t.Errorf("state changed to %s", c.State())
	}

	c, d := newMeasuring(t, nil)
	if c.State() != StateMeasuring {
		t.Fatalf("expected measuring, got %s", c.State())
	}
	if c.StartMeasurement(testConfig()) {
		t.Error("expected false while already measuring")
	}

	sent := d.Transport().Sent()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one frame on the wire, got %v", sent)
	}
	var cmd map[string]any
	if err := json.Unmarshal([]byte(sent[0]), &cmd); err != nil {
		t.Fatalf("start command is not JSON: %v", err)
	}
	if cmd["command"] != "start" || cmd["port"] != "/dev/ttyUSB0" {
		t.Errorf("unexpected start command %v", cmd)
	}
}

func TestController_StartMeasurementSendFailure(t *testing.T) {
	c, d := newConnected(t, nil)
	d.Transport().sendErr = errors.New("broken pipe")

	if c.StartMeasurement(testConfig()) {
		t.Fatal("expected false when the send fails")
	}
	if c.State() != StateConnected {
		t.Errorf("expected connected, got %s", c.State())
	}
}

func TestController_OrderedAccumulation(t *testing.T) {
	c, d := newMeasuring(t, nil)

	d.Deliver(`{"step":0,"voltage":1,"current":0.1}`)
	d.Deliver(`{"step":1,"voltage":2,"current":0.2}`)
	d.Deliver("Finished")

	waitForState(t, c, StateDisconnected)

	want := []protocol.DataPoint{{Step: 0, Voltage: 1, Current: 0.1}, {Step: 1, Voltage: 2, Current: 0.2}}
	if got := c.Data(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	tr := d.Transport()
	if tr.Closes() != 1 {
		t.Errorf("expected one close, got %d", tr.Closes())
	}
	if sent := tr.Sent(); len(sent) != 1 {
		t.Errorf("expected no stop command after finish, got %v", sent)
	}
}

func TestController_SentinelForms(t *testing.T) {
	for _, raw := range []string{`{"message":"Finished"}`, `"Finished"`, "measurement finished"} {
		t.Run(raw, func(t *testing.T) {
			c, _ := newMeasuring(t, nil)
			c.OnMessage([]byte(raw))
			if s := c.State(); s != StateFinishing && s != StateDisconnected {
				t.Fatalf("expected finishing or disconnected, got %s", s)
			}
			waitForState(t, c, StateDisconnected)
		})
	}
}

func TestController_MalformedFrameDropped(t *testing.T) {
	c, d := newMeasuring(t, nil)

	d.Deliver(`{"step":0,"voltage":1,"current":0.1}`)
	d.Deliver(`{bad json`)
	d.Deliver(`{"step":1,"voltage":2,"current":0.2}`)

	if c.State() != StateMeasuring {
		t.Errorf("expected measuring, got %s", c.State())
	}
	if got := c.Data(); len(got) != 2 || got[0].Step != 0 || got[1].Step != 1 {
		t.Errorf("expected [dp0 dp1], got %v", got)
	}
}

func TestController_PreservesArrivalOrder(t *testing.T) {
	c, d := newMeasuring(t, nil)

	for _, raw := range []string{
		`{"step":2,"voltage":0.2,"current":0.02}`,
		`{"step":1,"voltage":0.1,"current":0.01}`,
		`{"step":1,"voltage":0.1,"current":0.01}`,
	} {
		d.Deliver(raw)
	}

	var steps []int
	for _, p := range c.Data() {
		steps = append(steps, p.Step)
	}
	if !reflect.DeepEqual(steps, []int{2, 1, 1}) {
		t.Errorf("expected steps [2 1 1], got %v", steps)
	}
}

func TestController_DataOutsideMeasurementDropped(t *testing.T) {
	c, d := newConnected(t, nil)
	d.Deliver(`{"step":0,"voltage":1,"current":0.1}`)
	if len(c.Data()) != 0 {
		t.Errorf("expected data to be dropped while connected, got %v", c.Data())
	}

	d.Deliver("Finished")
	if c.State() != StateConnected {
		t.Errorf("sentinel outside a measurement changed state to %s", c.State())
	}
}

func TestController_DisconnectIsIdempotent(t *testing.T) {
	c, d := newMeasuring(t, nil)

	c.Disconnect()
	c.Disconnect()

	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}
	tr := d.Transport()
	if tr.Closes() != 1 {
		t.Errorf("expected one close, got %d", tr.Closes())
	}
	sent := tr.Sent()
	if len(sent) != 2 || sent[1] != `{"command":"stop"}` {
		t.Errorf("expected start then a single stop, got %v", sent)
	}
}

func TestController_StopMeasurementSendsStopOnce(t *testing.T) {
	c, d := newMeasuring(t, nil)

	c.StopMeasurement()
	c.StopMeasurement()
	c.Disconnect()

	stops := 0
	for _, s := range d.Transport().Sent() {
		if s == `{"command":"stop"}` {
			stops++
		}
	}
	if stops != 1 {
		t.Errorf("expected one stop command, got %d", stops)
	}
}

func TestController_DisconnectWhenDisconnected(t *testing.T) {
	c := NewController(Options{Dialer: &fakeDialer{}})
	c.Disconnect()
	if c.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", c.State())
	}
}

func TestController_DuplicateSentinelAfterDisconnect(t *testing.T) {
	c, d := newMeasuring(t, nil)
	d.Deliver("Finished")
	waitForState(t, c, StateDisconnected)

	c.OnMessage([]byte("Finished"))
	if c.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", c.State())
	}
	if d.Transport().Closes() != 1 {
		t.Errorf("expected one close, got %d", d.Transport().Closes())
	}
}

func TestController_ConnectResetsData(t *testing.T) {
	c, d := newMeasuring(t, nil)
	d.Deliver(`{"step":0,"voltage":1,"current":0.1}`)
	first := c.SessionID()
	c.Disconnect()

	if len(c.Data()) != 1 {
		t.Fatalf("data should survive disconnect, got %v", c.Data())
	}

	if err := c.Connect(context.Background(), testEndpoint); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if len(c.Data()) != 0 {
		t.Errorf("expected data to be cleared, got %v", c.Data())
	}
	if c.SessionID() == first {
		t.Error("expected a new session id")
	}
}

func TestController_ConnectWhileClosing(t *testing.T) {
	d := &fakeDialer{}
	c := NewController(Options{Dialer: d, GraceDelay: time.Second})
	if err := c.Connect(context.Background(), testEndpoint); err != nil {
		t.Fatal(err)
	}
	c.StartMeasurement(testConfig())
	d.Deliver("Finished")

	err := c.Connect(context.Background(), testEndpoint)
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !errors.Is(err, ErrClosing) {
		t.Errorf("expected ErrClosing in chain, got %v", err)
	}
}

func TestController_TransportFailureMidSession(t *testing.T) {
	var mu sync.Mutex
	var errorsSeen []error
	obs := ObserverFunc(func(ev Event) {
		if ev.Kind == EventError {
			mu.Lock()
			errorsSeen = append(errorsSeen, ev.Err)
			mu.Unlock()
		}
	})

	c, d := newMeasuring(t, obs)
	d.Drop(errors.New("connection reset"))

	if c.State() != StateError {
		t.Fatalf("expected error state, got %s", c.State())
	}
	var terr *TransportError
	if !errors.As(c.LastError(), &terr) {
		t.Errorf("expected TransportError, got %v", c.LastError())
	}
	mu.Lock()
	if len(errorsSeen) != 1 {
		t.Errorf("expected one error event, got %d", len(errorsSeen))
	}
	mu.Unlock()

	if err := c.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}

	if err := c.Connect(context.Background(), testEndpoint); err != nil {
		t.Fatalf("reconnect after error failed: %v", err)
	}
	if d.Dials() != 2 {
		t.Errorf("expected a second dial, got %d", d.Dials())
	}
}

func TestController_ObserverSeesDataInOrder(t *testing.T) {
	var mu sync.Mutex
	var indices []int
	obs := ObserverFunc(func(ev Event) {
		if ev.Kind == EventData {
			mu.Lock()
			indices = append(indices, ev.Index)
			mu.Unlock()
		}
	})

	_, d := newMeasuring(t, obs)
	for i := 0; i < 5; i++ {
		d.Deliver(`{"step":` + string(rune('0'+i)) + `,"voltage":1,"current":1}`)
	}

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(indices, []int{0, 1, 2, 3, 4}) {
		t.Errorf("expected indices 0..4, got %v", indices)
	}
}
