package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	coapnode "github.com/coapnode/coapnode"
	"github.com/spf13/cobra"
)

var (
	flagConfig string
	flagAddr   string
	flagServer string
)

func main() {
	root := &cobra.Command{
		Use:   "coapnode",
		Short: "Symmetric CoAP/UDP endpoint with Observe and Block2 file transfer",
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to YAML config")

	root.AddCommand(
		serveCmd(),
		pingCmd(),
		actuatorsCmd(),
		appendCmd(),
		fetchCmd(),
		downloadCmd(),
		observeCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() coapnode.Config {
	if flagConfig == "" {
		return coapnode.DefaultConfig()
	}
	cfg, err := coapnode.LoadConfig(flagConfig)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	return cfg
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server role",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if flagAddr != "" {
				cfg.ListenAddr = flagAddr
			}

			srv := coapnode.NewServer(cfg)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sig
				srv.Stop()
			}()

			return srv.Listen(cfg.ListenAddr)
		},
	}
	cmd.Flags().StringVarP(&flagAddr, "addr", "a", "", "listen address (overrides config)")
	return cmd
}

func dialClient() *coapnode.Client {
	cfg := loadConfig()
	c := coapnode.NewClient(cfg)
	if err := c.Dial(flagServer); err != nil {
		fmt.Fprintln(os.Stderr, "dial:", err)
		os.Exit(1)
	}
	return c
}

func clientCmd(use, short string, run func(c *coapnode.Client, args []string) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := dialClient()
			defer c.Close()
			return run(c, args)
		},
	}
	cmd.Flags().StringVarP(&flagServer, "server", "s", "127.0.0.1:5683", "server address")
	return cmd
}

func pingCmd() *cobra.Command {
	return clientCmd("ping", "Probe the server", func(c *coapnode.Client, args []string) error {
		ok, err := c.Ping()
		if err != nil {
			return err
		}
		fmt.Println("alive:", ok)
		return nil
	})
}

func actuatorsCmd() *cobra.Command {
	cmd := clientCmd("actuators [directives]", "Read or set the actuators", func(c *coapnode.Client, args []string) error {
		if len(args) == 0 {
			resp, err := c.GetActuators()
			if err != nil {
				return err
			}
			fmt.Println(string(resp.Body))
			return nil
		}

		resp, err := c.PutActuators(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", resp.Code, resp.Body)
		return nil
	})
	cmd.Args = cobra.MaximumNArgs(1)
	return cmd
}

func appendCmd() *cobra.Command {
	cmd := clientCmd("append <line>", "Append one line to the server file (iPATCH)", func(c *coapnode.Client, args []string) error {
		resp, err := c.AppendLine(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", resp.Code, resp.Body)
		return nil
	})
	cmd.Args = cobra.ExactArgs(1)
	return cmd
}

func fetchCmd() *cobra.Command {
	cmd := clientCmd("fetch <range>", "Fetch a line range, \"start,end\" or \"N\" (FETCH)", func(c *coapnode.Client, args []string) error {
		resp, err := c.FetchLines(args[0])
		if err != nil {
			return err
		}
		if resp.Code != coapnode.CoapCodeContent {
			return fmt.Errorf("%s: %s", resp.Code, resp.Body)
		}
		os.Stdout.Write(resp.Body)
		return nil
	})
	cmd.Args = cobra.ExactArgs(1)
	return cmd
}

func downloadCmd() *cobra.Command {
	var image bool
	cmd := clientCmd("download <dest>", "Download the server file block-wise", func(c *coapnode.Client, args []string) error {
		start := time.Now()
		if err := c.DownloadFile(image, args[0]); err != nil {
			return err
		}
		fmt.Printf("saved %s in %v\n", args[0], time.Since(start).Round(time.Millisecond))
		return nil
	})
	cmd.Args = cobra.ExactArgs(1)
	cmd.Flags().BoolVar(&image, "image", false, "download the image file")
	return cmd
}

func observeCmd() *cobra.Command {
	return clientCmd("observe", "Subscribe to /buttons and print notifications", func(c *coapnode.Client, args []string) error {
		c.SetNotificationHandlers(
			func(b byte) {
				fmt.Printf("notification byte: %#02x\n", b)
			},
			func(text string) {
				fmt.Println("notification:", text)
			},
		)

		resp, err := c.Subscribe()
		if err != nil {
			return err
		}
		fmt.Printf("subscribed: %s\n", resp.Code)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		if _, err := c.Unsubscribe(); err != nil {
			return err
		}
		return nil
	})
}
