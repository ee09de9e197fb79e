// Package config loads the gateway configuration from a JSON5 file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/NV4RE/gsx1280"
	"github.com/flynn/json5"
	"github.com/sirupsen/logrus"
)

type Radio struct {
	SPI           string `json:"spi"`
	Busy          string `json:"busy"`
	Reset         string `json:"reset"`
	DIO           string `json:"dio"`
	TxEnable      string `json:"txen"`
	RxEnable      string `json:"rxen"`
	DIOLine       int    `json:"dio_line"`
	BusyThreshold int    `json:"busy_threshold"`
	DiagLog       string `json:"diag_log"`
}

type LoRa struct {
	SpreadingFactor int `json:"sf"`
	BandwidthKHz    int `json:"bandwidth_khz"`
	// CodingRate is the denominator of 4/x, 5..8.
	CodingRate int  `json:"coding_rate"`
	Preamble   byte `json:"preamble"`
}

type FLRC struct {
	BitrateKbps int    `json:"bitrate_kbps"`
	CodingRate  string `json:"coding_rate"`
	SyncWord    uint32 `json:"sync_word"`
}

type Modem struct {
	PacketType string `json:"packet_type"`
	Frequency  uint64 `json:"frequency"`
	TxPower    int    `json:"tx_power"`
	LoRa       LoRa   `json:"lora"`
	FLRC       FLRC   `json:"flrc"`
}

type Node struct {
	Address     byte `json:"address"`
	Destination byte `json:"destination"`
	AckWaitMs   int  `json:"ack_wait_ms"`
	AckRetries  int  `json:"ack_retries"`
	Ack         bool `json:"ack"`
}

func (n Node) AckWait() time.Duration { return time.Duration(n.AckWaitMs) * time.Millisecond }

type MQTT struct {
	Broker   string `json:"broker"`
	ClientID string `json:"client_id"`
	Prefix   string `json:"prefix"`
}

type Redis struct {
	Addr   string `json:"addr"`
	Prefix string `json:"prefix"`
}

type Store struct {
	Path string `json:"path"`
}

type Log struct {
	Level string `json:"level"`
}

type Config struct {
	Radio Radio `json:"radio"`
	Modem Modem `json:"modem"`
	Node  Node  `json:"node"`
	MQTT  MQTT  `json:"mqtt"`
	Redis Redis `json:"redis"`
	Store Store `json:"store"`
	Log   Log   `json:"log"`
}

// Default returns a LoRa gateway on 2.44 GHz listening as node 0x01.
func Default() Config {
	return Config{
		Radio: Radio{SPI: "SPI0.0", Busy: "GPIO24", Reset: "GPIO25", DIO: "GPIO23", DIOLine: 1, BusyThreshold: 5},
		Modem: Modem{
			PacketType: "lora",
			Frequency:  2440000000,
			TxPower:    13,
			LoRa:       LoRa{SpreadingFactor: 7, BandwidthKHz: 400, CodingRate: 5, Preamble: 12},
			FLRC:       FLRC{BitrateKbps: 1300, CodingRate: "1/1", SyncWord: 0x54696761},
		},
		Node:  Node{Address: 0x01, Destination: 0x02, AckWaitMs: 200, AckRetries: 5, Ack: true},
		MQTT:  MQTT{Broker: "tcp://localhost:1883", ClientID: "sx1280-gw", Prefix: "sx1280"},
		Redis: Redis{Prefix: "sx1280"},
		Log:   Log{Level: "info"},
	}
}

// Load reads a JSON5 file over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	c := Default()
	if err := json5.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: json5: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

var loraBandwidths = map[int]gsx1280.LoRaBandwidth{
	1600: gsx1280.LoRaBW1600,
	800:  gsx1280.LoRaBW800,
	400:  gsx1280.LoRaBW400,
	200:  gsx1280.LoRaBW200,
}

var flrcBitrates = map[int]gsx1280.FLRCBitrate{
	1300: gsx1280.FLRCBR1300BW1200,
	1000: gsx1280.FLRCBR1000BW1200,
	650:  gsx1280.FLRCBR650BW600,
	520:  gsx1280.FLRCBR520BW600,
	325:  gsx1280.FLRCBR325BW300,
	260:  gsx1280.FLRCBR260BW300,
}

var flrcCodingRates = map[string]gsx1280.FLRCCodingRate{
	"1/2": gsx1280.FLRCCR1_2,
	"3/4": gsx1280.FLRCCR3_4,
	"1/1": gsx1280.FLRCCR1_1,
}

// RadioConfig builds the radio configuration described by the modem section.
func (c Config) RadioConfig() (gsx1280.Config, error) {
	m := c.Modem
	switch strings.ToLower(m.PacketType) {
	case "lora":
		cfg := gsx1280.DefaultLoRaConfig(m.Frequency)
		bw, ok := loraBandwidths[m.LoRa.BandwidthKHz]
		if !ok {
			return gsx1280.Config{}, fmt.Errorf("config: modem.lora.bandwidth_khz %d not one of 200, 400, 800, 1600", m.LoRa.BandwidthKHz)
		}
		if m.LoRa.CodingRate < 5 || m.LoRa.CodingRate > 8 {
			return gsx1280.Config{}, fmt.Errorf("config: modem.lora.coding_rate 4/%d", m.LoRa.CodingRate)
		}
		cfg.LoRa.SpreadingFactor = m.LoRa.SpreadingFactor
		cfg.LoRa.Bandwidth = bw
		cfg.LoRa.CodingRate = gsx1280.LoRaCodingRate(m.LoRa.CodingRate - 4)
		cfg.LoRa.PreambleLength = m.LoRa.Preamble
		cfg.TxPower = m.TxPower
		return cfg, cfg.Validate()
	case "flrc":
		cfg := gsx1280.DefaultFLRCConfig(m.Frequency)
		br, ok := flrcBitrates[m.FLRC.BitrateKbps]
		if !ok {
			return gsx1280.Config{}, fmt.Errorf("config: modem.flrc.bitrate_kbps %d unsupported", m.FLRC.BitrateKbps)
		}
		cr, ok := flrcCodingRates[m.FLRC.CodingRate]
		if !ok {
			return gsx1280.Config{}, fmt.Errorf("config: modem.flrc.coding_rate %q unsupported", m.FLRC.CodingRate)
		}
		cfg.FLRC.Bitrate = br
		cfg.FLRC.CodingRate = cr
		cfg.FLRC.SyncWord = m.FLRC.SyncWord
		cfg.TxPower = m.TxPower
		return cfg, cfg.Validate()
	}
	return gsx1280.Config{}, fmt.Errorf("config: modem.packet_type %q, want lora or flrc", m.PacketType)
}

func (c Config) LogLevel() (logrus.Level, error) {
	return logrus.ParseLevel(c.Log.Level)
}

func (c Config) Validate() error {
	if c.Radio.SPI == "" || c.Radio.Busy == "" || c.Radio.Reset == "" {
		return fmt.Errorf("config: radio.spi, radio.busy and radio.reset are required")
	}
	if c.Radio.DIOLine < 1 || c.Radio.DIOLine > 3 {
		return fmt.Errorf("config: radio.dio_line %d out of 1..3", c.Radio.DIOLine)
	}
	if _, err := c.RadioConfig(); err != nil {
		return err
	}
	if c.Node.AckWaitMs <= 0 || c.Node.AckRetries <= 0 {
		return fmt.Errorf("config: node.ack_wait_ms and node.ack_retries must be positive")
	}
	if c.MQTT.Broker == "" || c.MQTT.Prefix == "" {
		return fmt.Errorf("config: mqtt.broker and mqtt.prefix are required")
	}
	if _, err := c.LogLevel(); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	return nil
}
