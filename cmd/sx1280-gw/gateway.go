package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/NV4RE/gsx1280"
	"github.com/NV4RE/gsx1280/datagram"
	"github.com/NV4RE/gsx1280/internal/store"
)

const (
	listenSlice  = 250 * time.Millisecond
	statsEvery   = time.Minute
	historyKeep  = 7 * 24 * time.Hour
	commandQueue = 16
)

type rxMessage struct {
	From    byte      `json:"from"`
	To      byte      `json:"to"`
	ID      byte      `json:"id"`
	Flags   byte      `json:"flags"`
	Payload []byte    `json:"payload"`
	Text    string    `json:"text,omitempty"`
	RSSI    float64   `json:"rssi"`
	SNR     float64   `json:"snr"`
	At      time.Time `json:"at"`
}

type txResult struct {
	To    byte   `json:"to"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type rangeRequest struct {
	Filtered bool `json:"filtered"`
}

type rangeResult struct {
	Address  string  `json:"address"`
	Raw      int32   `json:"raw"`
	Meters   float64 `json:"meters"`
	RSSI     float64 `json:"rssi"`
	Filtered bool    `json:"filtered"`
	Error    string  `json:"error,omitempty"`
}

// gateway owns the radio. Everything that touches it runs on the loop
// goroutine; MQTT handlers only queue work.
type gateway struct {
	radio *gsx1280.Radio
	node  *datagram.Node
	mq    *mq
	cache *nodeCache
	hist  *store.Store
	log   logrus.FieldLogger

	cmds chan func(ctx context.Context)
}

func (gw *gateway) loop(ctx context.Context) error {
	stats := time.NewTicker(statsEvery)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-gw.cmds:
			fn(ctx)
			continue
		case <-stats.C:
			gw.publishStats(ctx)
		default:
		}

		d, ok, err := gw.node.ReceiveReliable(listenSlice)
		if err != nil {
			var re *gsx1280.RecoveryError
			if errors.As(err, &re) && re.Err != nil {
				return fmt.Errorf("radio unrecoverable: %w", err)
			}
			gw.log.WithError(err).Warn("receive failed")
			continue
		}
		if ok {
			gw.deliver(ctx, d)
		}
	}
}

func (gw *gateway) enqueue(fn func(ctx context.Context)) {
	select {
	case gw.cmds <- fn:
	default:
		gw.log.Warn("command queue full, request dropped")
	}
}

func (gw *gateway) deliver(ctx context.Context, d datagram.Datagram) {
	msg := rxMessage{
		From: d.From, To: d.To, ID: d.ID, Flags: d.Flags,
		Payload: d.Payload,
		RSSI:    d.RSSI,
		SNR:     d.SNR,
		At:      time.Now(),
	}
	if utf8.Valid(d.Payload) {
		msg.Text = string(d.Payload)
	}
	gw.mq.Publish(fmt.Sprintf("rx/%02x", d.From), msg)

	if gw.cache != nil {
		if err := gw.cache.Seen(ctx, d); err != nil {
			gw.log.WithError(err).Warn("redis update failed")
		}
	}
	if gw.hist != nil {
		err := gw.hist.SaveDatagram(&store.Datagram{
			At: msg.At, From: d.From, To: d.To, Seq: d.ID, Flags: d.Flags,
			Payload: d.Payload, RSSI: d.RSSI, SNR: d.SNR,
		})
		if err != nil {
			gw.log.WithError(err).Warn("history write failed")
		}
	}
}

// onTx handles prefix/tx/<node>; the message body is sent as is.
func (gw *gateway) onTx(topic string, payload []byte) {
	to, err := parseNode(lastSegment(topic))
	if err != nil {
		gw.log.WithError(err).WithField("topic", topic).Warn("bad tx topic")
		return
	}
	data := append([]byte(nil), payload...)
	gw.enqueue(func(ctx context.Context) {
		res := txResult{To: to, OK: true}
		if err := gw.node.SendReliableTo(to, data); err != nil {
			res.OK = false
			res.Error = err.Error()
		}
		gw.mq.Publish("tx/result", res)
	})
}

// onRange handles prefix/range/<slave address in hex>.
func (gw *gateway) onRange(topic string, payload []byte) {
	if lastSegment(topic) == "result" {
		return
	}
	addr, err := parseRangingAddr(lastSegment(topic))
	if err != nil {
		gw.log.WithError(err).WithField("topic", topic).Warn("bad range topic")
		return
	}
	var req rangeRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			gw.log.WithError(err).Warn("bad range request")
			return
		}
	}
	gw.enqueue(func(ctx context.Context) { gw.rangeTo(ctx, addr, req.Filtered) })
}

func (gw *gateway) rangeTo(ctx context.Context, addr [4]byte, filtered bool) {
	out := rangeResult{Address: hex.EncodeToString(addr[:]), Filtered: filtered}
	res, err := gw.radio.RangeMaster(addr, gsx1280.RangingOptions{Filtered: filtered})
	if serr := gw.radio.StopRanging(); serr != nil {
		gw.log.WithError(serr).Error("restoring modem after ranging")
	}
	if err != nil {
		out.Error = err.Error()
		gw.mq.Publish("range/result", out)
		return
	}
	out.Raw, out.Meters, out.RSSI = res.Raw, res.Meters, res.RSSI
	gw.mq.Publish("range/result", out)

	if gw.cache != nil {
		if err := gw.cache.Distance(ctx, out.Address, res.Meters, res.RSSI); err != nil {
			gw.log.WithError(err).Warn("redis update failed")
		}
	}
	if gw.hist != nil {
		err := gw.hist.SaveRanging(&store.Ranging{
			Address: out.Address, Raw: res.Raw, Meters: res.Meters, RSSI: res.RSSI, Filtered: filtered,
		})
		if err != nil {
			gw.log.WithError(err).Warn("history write failed")
		}
	}
}

func (gw *gateway) publishStats(ctx context.Context) {
	s := gw.node.Stats()
	gw.mq.Publish("stats", s)
	if gw.cache != nil {
		if err := gw.cache.Stats(ctx, s); err != nil {
			gw.log.WithError(err).Warn("redis update failed")
		}
	}
	if gw.hist != nil {
		if _, err := gw.hist.Prune(time.Now().Add(-historyKeep)); err != nil {
			gw.log.WithError(err).Warn("history prune failed")
		}
	}
}

func lastSegment(topic string) string {
	return topic[strings.LastIndex(topic, "/")+1:]
}

func parseNode(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("node address %q: %w", s, err)
	}
	return byte(v), nil
}

func parseRangingAddr(s string) ([4]byte, error) {
	var addr [4]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return addr, fmt.Errorf("ranging address %q: %w", s, err)
	}
	if len(b) != len(addr) {
		return addr, fmt.Errorf("ranging address %q: want 4 bytes", s)
	}
	copy(addr[:], b)
	return addr, nil
}
