package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/blehub/history"
	"github.com/srg/blehub/internal/mqtt"
	"github.com/srg/blehub/scanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type CommandTestSuite struct {
	suite.Suite
	dir string
}

func (s *CommandTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
	decodeMAC, decodeBindKey = "", ""
	historyAge, historyFrom, historyTo, historyFormat = 0, "", "", "table"
}

// ExecuteCommand runs the root command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func (s *CommandTestSuite) writeConfig() string {
	path := filepath.Join(s.dir, "blehub.yaml")
	content := fmt.Sprintf("log_level: error\nhistory:\n  dir: %s\n", filepath.Join(s.dir, "log"))
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (s *CommandTestSuite) TestDecode() {
	tests := []struct {
		name     string
		args     []string
		expected string
	}{
		{"battery", []string{"decode", "2a19", "57"}, `{"battery":87}`},
		{"temperature by alias", []string{"decode", "Temperature", "e803"}, `{"temp":10}`},
		{"unknown id prints raw bytes", []string{"decode", "abcd", "0102"}, `[1,2]`},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			out, err := s.ExecuteCommand(tt.args...)
			s.Require().NoError(err)
			s.JSONEq(tt.expected, out)
		})
	}
}

func (s *CommandTestSuite) TestDecodeErrors() {
	_, err := s.ExecuteCommand("decode", "1809", "")
	s.ErrorContains(err, "temperature")

	_, err = s.ExecuteCommand("decode", "180f", "zz")
	s.ErrorContains(err, "invalid hex payload")

	_, err = s.ExecuteCommand("decode", "kitchen", "01")
	s.ErrorContains(err, "invalid uuid")
}

func (s *CommandTestSuite) TestHistoryJSON() {
	cfgPath := s.writeConfig()
	logger, _ := test.NewNullLogger()
	store := history.NewStore(filepath.Join(s.dir, "log"), logger)
	at := time.Now().Add(-10 * time.Minute)
	s.Require().NoError(store.Append("minute", "/ble/advertise/kitchen/temp", at, 21.25))

	out, err := s.ExecuteCommand("history", "minute", "/ble/advertise/kitchen/temp", "--age", "1", "--format", "json", "-c", cfgPath)
	s.Require().NoError(err)

	var series history.Series
	s.Require().NoError(json.Unmarshal([]byte(out), &series))
	s.Equal([]float64{21.25}, series.Data)
	s.Equal([]int64{at.UnixMilli()}, series.Times)
}

func (s *CommandTestSuite) TestHistoryTable() {
	cfgPath := s.writeConfig()
	logger, _ := test.NewNullLogger()
	store := history.NewStore(filepath.Join(s.dir, "log"), logger)
	at := time.Now().Add(-time.Hour).Truncate(time.Second)
	s.Require().NoError(store.Append("hour", "/ble/t", at, 3.5))

	out, err := s.ExecuteCommand("history", "hour", "/ble/t", "--age", "2", "-c", cfgPath)
	s.Require().NoError(err)
	s.Contains(out, "TIME")
	s.Contains(out, at.Format(time.RFC3339)+"  3.5")
}

func (s *CommandTestSuite) TestHistoryValidation() {
	cfgPath := s.writeConfig()

	_, err := s.ExecuteCommand("history", "minute", "/ble/t", "-c", cfgPath)
	s.ErrorContains(err, "age or from")

	_, err = s.ExecuteCommand("history", "week", "/ble/t", "--age", "1", "-c", cfgPath)
	s.ErrorIs(err, history.ErrUnknownInterval)

	_, err = s.ExecuteCommand("history", "minute", "/ble/t", "--age", "1", "--format", "xml", "-c", cfgPath)
	s.ErrorContains(err, "invalid format")
}

func TestCommandTestSuite(t *testing.T) {
	suite.Run(t, new(CommandTestSuite))
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{"power on", fmt.Errorf("power on: %w", scanner.ErrPowerOnTimeout), "did not power on"},
		{"wedged", fmt.Errorf("scanner: %w", scanner.ErrRadioWedged), "restart required"},
		{"mqtt", fmt.Errorf("%w: connection refused", mqtt.ErrConnectionFailed), "cannot connect to the MQTT broker: connection refused"},
		{"other", errors.New("boom"), "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, FormatUserError(tt.err), tt.contains)
		})
	}
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.0", formatVersion("1.2.0"))
	assert.Equal(t, "dev", formatVersion("dev"))
}
