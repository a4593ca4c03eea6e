package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/blehub/internal/attributes"
	"github.com/srg/blehub/internal/device"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <uuid> <hex>",
	Short: "Decode a service data payload offline",
	Long: `Run the attribute decoder on a captured payload and print the result as JSON.

Encrypted Xiaomi and ATC frames need --mac and --bind-key.

Example:
  blehub decode 181a a4c138000001d2004f0b6e0c4a`,
	Args: cobra.ExactArgs(2),
	RunE: runDecode,
}

var (
	decodeMAC     string
	decodeBindKey string
)

func init() {
	decodeCmd.Flags().StringVar(&decodeMAC, "mac", "", "Sender address, used for nonces and reversed-MAC payloads")
	decodeCmd.Flags().StringVar(&decodeBindKey, "bind-key", "", "Hex bind key for encrypted payloads")
}

// offlineDevice is the sender context given on the command line.
type offlineDevice struct {
	address string
	bindKey string
}

func (d offlineDevice) Address() string { return d.address }
func (d offlineDevice) BindKey() string { return d.bindKey }

func runDecode(cmd *cobra.Command, args []string) error {
	id, err := device.ValidateUUID(attributes.Lookup(args[0]))
	if err != nil {
		return fmt.Errorf("invalid uuid: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ReplaceAll(args[1], " ", ""), "0x"))
	if err != nil {
		return fmt.Errorf("invalid hex payload: %w", err)
	}
	cmd.SilenceUsage = true

	dev := offlineDevice{address: device.NormalizeAddress(decodeMAC), bindKey: decodeBindKey}
	res := attributes.NewDecoder(attributes.Options{}).Decode(id[0], raw, dev)

	var out []byte
	switch {
	case !res.Decoded():
		out, err = json.Marshal(attributes.Bytes(res.Raw))
	case attributes.IsErrorReading(res.Reading):
		msg, _ := res.Reading.Get("error")
		return errors.New(fmt.Sprint(msg))
	default:
		out, err = json.Marshal(res.Reading)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
