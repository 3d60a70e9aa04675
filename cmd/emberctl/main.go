// emberctl drives a device node over the UDP packet transport:
// echo, time, kv access, and bulk upload against the RPC server.
package main

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/embercore/internal/config"
	"github.com/danmuck/embercore/internal/epacket"
	"github.com/danmuck/embercore/internal/logging"
	"github.com/danmuck/embercore/internal/rpc"
	"github.com/danmuck/embercore/internal/security"
)

var (
	flagPeer       string
	flagListen     string
	flagNetworkID  uint32
	flagNetworkKey string
	flagLocalID    string
	flagTimeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "emberctl",
		Short:         "control client for embercore device nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagPeer, "peer", "127.0.0.1:7447", "device UDP address")
	root.PersistentFlags().StringVar(&flagListen, "listen", ":0", "local UDP bind address")
	root.PersistentFlags().Uint32Var(&flagNetworkID, "network-id", 0, "24-bit network identifier")
	root.PersistentFlags().StringVar(&flagNetworkKey, "network-key", "", "hex network root key")
	root.PersistentFlags().StringVar(&flagLocalID, "local-id", "0xC11E47", "hex local device identifier")
	root.PersistentFlags().DurationVar(&flagTimeout, "timeout", 3*time.Second, "response timeout")

	root.AddCommand(echoCmd(), infoCmd(), timeCmd(), kvCmd(), uploadCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "emberctl:", err)
		os.Exit(1)
	}
}

type session struct {
	mgr    *epacket.Manager
	client *rpc.Client
	close  func()
}

func dial() (*session, error) {
	logging.ConfigureRuntime()

	netKey, err := config.ParseKey(flagNetworkKey)
	if err != nil {
		return nil, fmt.Errorf("network key: %w", err)
	}
	localID, err := config.ParseDeviceID(flagLocalID)
	if err != nil {
		return nil, err
	}
	var devRoot security.Key
	sec := security.NewVolatile(localID, flagNetworkID, devRoot, netKey)

	mgr := epacket.NewManager(sec, epacket.NewRegistry(sec), epacket.Config{})
	udp, err := epacket.NewUDPBackend(flagListen, flagPeer, 0)
	if err != nil {
		mgr.Close()
		return nil, err
	}
	iface, err := mgr.AddInterface(udp)
	if err != nil {
		mgr.Close()
		return nil, err
	}

	client := rpc.NewClient(mgr, iface, nil, 4)
	mgr.SetRPCHandlers(nil, nil, client.HandlePacket)
	return &session{
		mgr:    mgr,
		client: client,
		close: func() {
			client.Cleanup()
			mgr.Close()
			udp.Close()
		},
	}, nil
}

func (s *session) command(cmdID uint16, params []byte) (*rpc.Response, error) {
	rsp, err := s.client.CommandSync(cmdID, params, time.Second, flagTimeout)
	if err != nil {
		return nil, err
	}
	if rsp.ReturnCode != rpc.RCOk {
		return rsp, fmt.Errorf("device returned %d", rsp.ReturnCode)
	}
	return rsp, nil
}

func echoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "echo [hex-payload]",
		Short: "round-trip a payload through the device",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte("embercore")
			if len(args) == 1 {
				var err error
				if payload, err = hex.DecodeString(args[0]); err != nil {
					return fmt.Errorf("payload: %w", err)
				}
			}
			s, err := dial()
			if err != nil {
				return err
			}
			defer s.close()
			rsp, err := s.command(rpc.CmdEcho, payload)
			if err != nil {
				return err
			}
			fmt.Printf("%x\n", rsp.Payload)
			return nil
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "query application version, uptime, and boot count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := dial()
			if err != nil {
				return err
			}
			defer s.close()
			rsp, err := s.command(rpc.CmdApplicationInfo, nil)
			if err != nil {
				return err
			}
			if len(rsp.Payload) < 12 {
				return fmt.Errorf("short info payload (%d bytes)", len(rsp.Payload))
			}
			version := binary.LittleEndian.Uint32(rsp.Payload[0:4])
			uptime := binary.LittleEndian.Uint32(rsp.Payload[4:8])
			boots := binary.LittleEndian.Uint32(rsp.Payload[8:12])
			fmt.Printf("version %d.%d.%d  uptime %s  boots %d\n",
				version>>16&0xFF, version>>8&0xFF, version&0xFF,
				time.Duration(uptime)*time.Second, boots)
			return nil
		},
	}
}

func timeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "time",
		Short: "read or set the device epoch clock",
	}
	cmd.AddCommand(&cobra.Command{
		Use:  "get",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := dial()
			if err != nil {
				return err
			}
			defer s.close()
			rsp, err := s.command(rpc.CmdTimeGet, nil)
			if err != nil {
				return err
			}
			if len(rsp.Payload) < 8 {
				return fmt.Errorf("short time payload")
			}
			t := binary.LittleEndian.Uint64(rsp.Payload)
			fmt.Printf("%d (%d.%05d s)\n", t, t>>16, t&0xFFFF)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:  "set <epoch-ticks>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ticks, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("epoch ticks: %w", err)
			}
			s, err := dial()
			if err != nil {
				return err
			}
			defer s.close()
			_, err = s.command(rpc.CmdTimeSet, binary.LittleEndian.AppendUint64(nil, ticks))
			return err
		},
	})
	return cmd
}

func kvCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kv",
		Short: "access the device key-value store",
	}
	cmd.AddCommand(&cobra.Command{
		Use:  "read <key>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := strconv.ParseUint(args[0], 0, 16)
			if err != nil {
				return fmt.Errorf("key: %w", err)
			}
			s, err := dial()
			if err != nil {
				return err
			}
			defer s.close()
			rsp, err := s.command(rpc.CmdKVRead, binary.LittleEndian.AppendUint16(nil, uint16(key)))
			if err != nil {
				return err
			}
			fmt.Printf("%x\n", rsp.Payload)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:  "write <key> <hex-value>",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := strconv.ParseUint(args[0], 0, 16)
			if err != nil {
				return fmt.Errorf("key: %w", err)
			}
			value, err := hex.DecodeString(args[1])
			if err != nil {
				return fmt.Errorf("value: %w", err)
			}
			s, err := dial()
			if err != nil {
				return err
			}
			defer s.close()
			params := binary.LittleEndian.AppendUint16(nil, uint16(key))
			_, err = s.command(rpc.CmdKVWrite, append(params, value...))
			return err
		},
	})
	return cmd
}

func uploadCmd() *cobra.Command {
	var chunk int
	var ackPeriod uint8
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "stream a file to the device's bulk receiver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			s, err := dial()
			if err != nil {
				return err
			}
			defer s.close()

			params := binary.LittleEndian.AppendUint32(nil, uint32(len(data)))
			params = append(params, ackPeriod)
			done := make(chan *rpc.Response, 1)
			reqID, err := s.client.CommandQueue(rpc.CmdDataReceiver, params, func(_ uint32, rsp *rpc.Response) {
				done <- rsp
			}, time.Second, 30*time.Second)
			if err != nil {
				return err
			}
			if _, err := s.client.AckWait(reqID, flagTimeout); err != nil {
				return fmt.Errorf("device not ready: %w", err)
			}

			err = s.client.DataQueueAutoLoad(reqID, uint32(len(data)), func(offset uint32, buf []byte) (int, error) {
				return copy(buf, data[offset:]), nil
			}, rpc.AutoLoadConfig{ChunkSize: chunk, AckPeriod: ackPeriod, AckTimeout: flagTimeout})
			if err != nil {
				return err
			}

			rsp := <-done
			if rsp == nil {
				return rpc.ErrTimeout
			}
			if rsp.ReturnCode != rpc.RCOk {
				return fmt.Errorf("device returned %d", rsp.ReturnCode)
			}
			if len(rsp.Payload) >= 8 {
				fmt.Printf("received %d bytes, crc %08x\n",
					binary.LittleEndian.Uint32(rsp.Payload[0:4]),
					binary.LittleEndian.Uint32(rsp.Payload[4:8]))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&chunk, "chunk", 512, "data frame payload size")
	cmd.Flags().Uint8Var(&ackPeriod, "ack-period", 4, "frames per acknowledgement")
	return cmd
}
