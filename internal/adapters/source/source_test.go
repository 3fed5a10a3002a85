package source_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/okian/pitwall/internal/adapters/source"
	"github.com/okian/pitwall/internal/config"
	"github.com/okian/pitwall/internal/domain/faults"
	"github.com/okian/pitwall/internal/domain/normalize"
	. "github.com/smartystreets/goconvey/convey"
	"gocloud.dev/pubsub"
)

const frameLine = `{"timestamp":"2026-05-24T14:00:00Z","lap":3,"track_temperature":30,"cars":[{"id":"44","position":1,"speed":290,"tire_compound":"soft","tire_age":3,"tire_wear":0.1,"fuel_level":0.8}]}`

func collect(ctx context.Context, st source.Stream, n int) ([]string, error) {
	var out []string
	for range n {
		s, err := st.Next(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, string(s.Payload))
	}
	return out, nil
}

func TestBackoff(t *testing.T) {
	Convey("Backoff doubles and caps", t, func() {
		So(source.Backoff(100*time.Millisecond, time.Second, 0), ShouldEqual, 100*time.Millisecond)
		So(source.Backoff(100*time.Millisecond, time.Second, 1), ShouldEqual, 100*time.Millisecond)
		So(source.Backoff(100*time.Millisecond, time.Second, 3), ShouldEqual, 400*time.Millisecond)
		So(source.Backoff(100*time.Millisecond, time.Second, 5), ShouldEqual, time.Second)
		So(source.Backoff(100*time.Millisecond, time.Second, 60), ShouldEqual, time.Second)
	})
}

func TestSimulator(t *testing.T) {
	ctx := context.Background()

	Convey("Given two simulators with the same seed", t, func() {
		a := source.NewSimulator(source.WithSeed(7), source.WithInterval(0), source.WithLapEvery(2))
		b := source.NewSimulator(source.WithSeed(7), source.WithInterval(0), source.WithLapEvery(2))
		sa, err := a.Open(ctx)
		So(err, ShouldBeNil)
		sb, err := b.Open(ctx)
		So(err, ShouldBeNil)

		Convey("They emit identical payloads", func() {
			pa, err := collect(ctx, sa, 30)
			So(err, ShouldBeNil)
			pb, err := collect(ctx, sb, 30)
			So(err, ShouldBeNil)
			So(pa, ShouldResemble, pb)
		})

		Convey("Every frame normalizes and laps advance", func() {
			n := normalize.New()
			lastLap := 0
			for range 40 {
				raw, err := sa.Next(ctx)
				So(err, ShouldBeNil)
				So(raw.Source, ShouldEqual, source.SimulatedName)
				f, err := n.Normalize(ctx, raw)
				So(err, ShouldBeNil)
				So(len(f.Cars), ShouldEqual, 20)
				So(f.Lap, ShouldBeGreaterThanOrEqualTo, lastLap)
				lastLap = f.Lap
			}
			So(lastLap, ShouldBeGreaterThan, 15)
		})

		Convey("A different seed diverges", func() {
			c, _ := source.NewSimulator(source.WithSeed(8), source.WithInterval(0)).Open(ctx)
			pa, _ := collect(ctx, sa, 1)
			pc, _ := collect(ctx, c, 1)
			So(pa, ShouldNotResemble, pc)
		})
	})

	Convey("The flat dialect also normalizes", t, func() {
		st, err := source.NewSimulator(source.WithDialect(source.DialectFlat), source.WithInterval(0)).Open(ctx)
		So(err, ShouldBeNil)
		raw, err := st.Next(ctx)
		So(err, ShouldBeNil)
		So(string(raw.Payload), ShouldContainSubstring, "tire_compound")
		_, err = normalize.New().Normalize(ctx, raw)
		So(err, ShouldBeNil)
	})

	Convey("A closed simulator stream stops", t, func() {
		st, _ := source.NewSimulator(source.WithInterval(0)).Open(ctx)
		So(st.Close(), ShouldBeNil)
		_, err := st.Next(ctx)
		So(errors.Is(err, source.ErrClosed), ShouldBeTrue)
	})
}

func TestUDP(t *testing.T) {
	Convey("Given a UDP source on a loopback port", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st, err := source.NewUDP("127.0.0.1:0").Open(ctx)
		So(err, ShouldBeNil)
		defer st.Close()
		addr := st.(interface{ LocalAddr() net.Addr }).LocalAddr()

		conn, err := net.Dial("udp", addr.String())
		So(err, ShouldBeNil)
		defer conn.Close()
		_, err = conn.Write([]byte(frameLine))
		So(err, ShouldBeNil)

		Convey("Each datagram becomes one sample", func() {
			got, err := collect(ctx, st, 1)
			So(err, ShouldBeNil)
			So(got, ShouldResemble, []string{frameLine})
		})
	})

	Convey("Binding a bad address is a source fault", t, func() {
		_, err := source.NewUDP("256.0.0.1:1").Open(context.Background())
		So(errors.Is(err, faults.ErrSourceUnavailable), ShouldBeTrue)
	})
}

func TestTCP(t *testing.T) {
	Convey("Given a TCP source on a loopback port", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st, err := source.NewTCP("127.0.0.1:0").Open(ctx)
		So(err, ShouldBeNil)
		defer st.Close()
		addr := st.(interface{ Addr() net.Addr }).Addr()

		conn, err := net.Dial("tcp", addr.String())
		So(err, ShouldBeNil)
		defer conn.Close()
		_, err = conn.Write([]byte(frameLine + "\n\n" + frameLine + "\n"))
		So(err, ShouldBeNil)

		Convey("Lines are split and blank lines skipped", func() {
			got, err := collect(ctx, st, 2)
			So(err, ShouldBeNil)
			So(got, ShouldResemble, []string{frameLine, frameLine})
		})
	})
}

func TestWebSocket(t *testing.T) {
	Convey("Given a websocket feed", t, func() {
		up := websocket.Upgrader{}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, err := up.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer c.Close()
			_ = c.WriteMessage(websocket.TextMessage, []byte(frameLine))
			_ = c.WriteMessage(websocket.TextMessage, []byte(`{"lap":4,"cars":[]}`))
			_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
			time.Sleep(100 * time.Millisecond)
		}))
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st, err := source.NewWebSocket("ws" + strings.TrimPrefix(srv.URL, "http")).Open(ctx)
		So(err, ShouldBeNil)
		defer st.Close()

		Convey("Messages arrive in order and a close ends the stream", func() {
			got, err := collect(ctx, st, 2)
			So(err, ShouldBeNil)
			So(got[0], ShouldEqual, frameLine)
			So(got[1], ShouldEqual, `{"lap":4,"cars":[]}`)

			_, err = st.Next(ctx)
			So(errors.Is(err, faults.ErrSourceUnavailable), ShouldBeTrue)
		})
	})

	Convey("Dialing nothing is a source fault", t, func() {
		_, err := source.NewWebSocket("ws://127.0.0.1:1/feed").Open(context.Background())
		So(errors.Is(err, faults.ErrSourceUnavailable), ShouldBeTrue)
	})
}

func TestPubSub(t *testing.T) {
	Convey("Given an in-memory topic", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		topic, err := pubsub.OpenTopic(ctx, "mem://pitwall-frames")
		So(err, ShouldBeNil)
		defer topic.Shutdown(context.Background())

		st, err := source.NewPubSub("mem://pitwall-frames").Open(ctx)
		So(err, ShouldBeNil)
		defer st.Close()

		So(topic.Send(ctx, &pubsub.Message{Body: []byte(frameLine)}), ShouldBeNil)

		Convey("Received messages become samples", func() {
			got, err := collect(ctx, st, 1)
			So(err, ShouldBeNil)
			So(got, ShouldResemble, []string{frameLine})
		})
	})

	Convey("An unknown scheme is a source fault", t, func() {
		_, err := source.NewPubSub("carrier://frames").Open(context.Background())
		So(errors.Is(err, faults.ErrSourceUnavailable), ShouldBeTrue)
	})
}

type fakePort struct {
	io.Reader
	closed bool
}

func (p *fakePort) Close() error { p.closed = true; return nil }

func TestSerial(t *testing.T) {
	Convey("Given a serial device", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		port := &fakePort{Reader: strings.NewReader(frameLine + "\r\n" + frameLine + "\n")}
		var gotPath string
		var gotBaud int
		src := source.NewSerial("/dev/ttyUSB0", 0, func(path string, baud int) (io.ReadCloser, error) {
			gotPath, gotBaud = path, baud
			return port, nil
		})
		st, err := src.Open(ctx)
		So(err, ShouldBeNil)

		Convey("Lines are read with the default baud rate", func() {
			got, err := collect(ctx, st, 2)
			So(err, ShouldBeNil)
			So(got, ShouldResemble, []string{frameLine, frameLine})
			So(gotPath, ShouldEqual, "/dev/ttyUSB0")
			So(gotBaud, ShouldEqual, 115200)

			Convey("The end of a device stream is a fault, not EOF", func() {
				_, err := st.Next(ctx)
				So(errors.Is(err, faults.ErrSourceUnavailable), ShouldBeTrue)
				So(st.Close(), ShouldBeNil)
				So(port.closed, ShouldBeTrue)
			})
		})
	})

	Convey("A device that cannot open is a source fault", t, func() {
		src := source.NewSerial("/dev/none", 9600, func(string, int) (io.ReadCloser, error) {
			return nil, os.ErrNotExist
		})
		_, err := src.Open(context.Background())
		So(errors.Is(err, faults.ErrSourceUnavailable), ShouldBeTrue)
	})
}

func TestFile(t *testing.T) {
	Convey("Given a recorded session", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		path := filepath.Join(t.TempDir(), "session.jsonl")
		So(os.WriteFile(path, []byte(frameLine+"\n"+frameLine+"\n"), 0o600), ShouldBeNil)

		st, err := source.NewFile(path, 0, nil).Open(ctx)
		So(err, ShouldBeNil)
		defer st.Close()

		Convey("It replays every line then ends with EOF", func() {
			got, err := collect(ctx, st, 2)
			So(err, ShouldBeNil)
			So(len(got), ShouldEqual, 2)
			_, err = st.Next(ctx)
			So(err, ShouldEqual, io.EOF)
		})
	})

	Convey("A missing file is a source fault", t, func() {
		_, err := source.NewFile(filepath.Join(t.TempDir(), "nope"), 0, nil).Open(context.Background())
		So(errors.Is(err, faults.ErrSourceUnavailable), ShouldBeTrue)
	})
}

func TestPush(t *testing.T) {
	Convey("Given a push source", t, func() {
		ctx := context.Background()
		p := source.NewPush(1)

		Convey("Delivery before open is rejected", func() {
			So(errors.Is(p.Deliver(ctx, []byte(frameLine)), source.ErrClosed), ShouldBeTrue)
		})

		Convey("Once open payloads flow and a full buffer rejects", func() {
			st, err := p.Open(ctx)
			So(err, ShouldBeNil)
			So(p.Deliver(ctx, []byte(frameLine)), ShouldBeNil)
			So(errors.Is(p.Deliver(ctx, []byte(frameLine)), source.ErrPushFull), ShouldBeTrue)

			got, err := collect(ctx, st, 1)
			So(err, ShouldBeNil)
			So(got, ShouldResemble, []string{frameLine})

			So(st.Close(), ShouldBeNil)
			So(p.Active(), ShouldBeFalse)
			_, err = st.Next(ctx)
			So(errors.Is(err, source.ErrClosed), ShouldBeTrue)
		})
	})
}

func TestFactory(t *testing.T) {
	Convey("Given a factory", t, func() {
		f := source.Factory{
			Simulator: config.Simulator{Seed: 3, Interval: 0, LapEvery: 2},
			Push:      source.NewPush(4),
		}

		Convey("It builds each protocol", func() {
			cases := map[string]config.Source{
				"udp":       {Kind: config.SourceStreamed, Protocol: config.ProtocolUDP, Address: ":0"},
				"tcp":       {Kind: config.SourceStreamed, Protocol: config.ProtocolTCP, Address: ":0"},
				"websocket": {Kind: config.SourceStreamed, Protocol: config.ProtocolWebSocket, Address: "ws://x"},
				"mqtt":      {Kind: config.SourceStreamed, Protocol: config.ProtocolMQTT, Address: "tcp://b:1883", Topic: "t"},
				"kafka":     {Kind: config.SourceStreamed, Protocol: config.ProtocolKafka, Brokers: []string{"k:9092"}, Topic: "t"},
				"pubsub":    {Kind: config.SourceStreamed, Protocol: config.ProtocolPubSub, Topic: "mem://t"},
				"serial":    {Kind: config.SourceStreamed, Protocol: config.ProtocolSerial, Address: "/dev/ttyS0"},
				"file":      {Kind: config.SourceStreamed, Protocol: config.ProtocolFile, Address: "x.jsonl"},
				"http":      {Kind: config.SourceStreamed, Protocol: config.ProtocolHTTP},
				"simulated": {Kind: config.SourceSimulated},
			}
			for name, cfg := range cases {
				src, err := f.New(cfg)
				So(err, ShouldBeNil)
				So(src.Name(), ShouldEqual, name)
			}
		})

		Convey("It rejects invalid configuration", func() {
			_, err := f.New(config.Source{Kind: config.SourceStreamed, Protocol: config.ProtocolKafka})
			So(errors.Is(err, config.ErrInvalidConfig), ShouldBeTrue)
		})

		Convey("http needs a push endpoint", func() {
			_, err := source.Factory{}.New(config.Source{Kind: config.SourceStreamed, Protocol: config.ProtocolHTTP})
			So(errors.Is(err, source.ErrUnsupportedProtocol), ShouldBeTrue)
		})
	})
}
