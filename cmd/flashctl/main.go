// Command flashctl is the host-side driver for the bootloader flashing
// session: it owns the serial transport and the Redis-backed collaborator
// surface, translating queued commands (connect, erase, program, boot,
// disconnect) into calls against a bootloader.Session.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/malvira/flashctl/pkg/bootloader"
	"github.com/malvira/flashctl/pkg/redisx"
)

var (
	serialDevice = flag.String("serial", "/dev/ttyUSB0", "Serial device path")
	baudFlag     = flag.String("baud", "auto", `Baud rate, or "auto" to probe the ladder`)
	redisAddr    = flag.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass    = flag.String("redis-pass", "", "Redis password")
	redisDB      = flag.Int("redis-db", 0, "Redis database number")
	firmwarePath = flag.String("firmware", "", "Firmware image path; when set, runs connect/program/boot once and exits instead of watching the command queue")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	redisClient, err := redisx.New(*redisAddr, *redisPass, *redisDB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Printf("Connected to Redis at %s", *redisAddr)

	session := bootloader.New(
		bootloader.WithProgress(func(p bootloader.Progress) {
			if err := redisClient.PublishProgress(string(p.Phase), p.Done, p.Total); err != nil {
				log.Printf("Warning: failed to publish progress: %v", err)
			}
		}),
		bootloader.WithLogger(log.Default()),
	)

	if *firmwarePath != "" {
		runOneShot(session, redisClient)
		return
	}

	runQueueWatcher(session, redisClient)
}

// runOneShot drives connect -> program -> boot against *firmwarePath and
// exits, for scripted/CI use without a collaborator watching the queue.
func runOneShot(session *bootloader.Session, redisClient *redisx.Client) {
	image, err := os.ReadFile(*firmwarePath)
	if err != nil {
		log.Fatalf("Failed to read firmware image %q: %v", *firmwarePath, err)
	}

	if err := connect(session, redisClient); err != nil {
		log.Fatalf("Connect failed: %v", err)
	}
	defer session.Disconnect()

	log.Printf("Programming %d bytes from %s", len(image), *firmwarePath)
	if err := session.Program(image); err != nil {
		reportError(redisClient, err)
		log.Fatalf("Program failed: %v", err)
	}

	log.Printf("Booting device")
	if err := session.Boot(); err != nil {
		reportError(redisClient, err)
		log.Fatalf("Boot failed: %v", err)
	}

	log.Printf("Flashing complete")
}

// runQueueWatcher watches the Redis command queue and dispatches connect/
// erase/program/boot/disconnect commands against session until SIGINT or
// SIGTERM.
func runQueueWatcher(session *bootloader.Session, redisClient *redisx.Client) {
	if err := redisClient.PublishState("Disconnected"); err != nil {
		log.Printf("Warning: failed to publish initial state: %v", err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		redisClient.WatchCommands(redisx.KeyCommandList, stop, func(cmd redisx.Command) {
			dispatch(session, redisClient, cmd)
		})
	}()
	log.Printf("Watching Redis command queue %q", redisx.KeyCommandList)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("Shutting down...")
	close(stop)
	<-done
	session.Disconnect()
}

func dispatch(session *bootloader.Session, redisClient *redisx.Client, cmd redisx.Command) {
	var err error
	switch cmd.Kind {
	case "connect":
		err = connectWithArgs(session, redisClient, cmd.Args)
	case "erase":
		err = session.Erase()
	case "program":
		err = programFromPath(session, cmd.Args)
	case "boot":
		err = session.Boot()
	case "disconnect":
		err = session.Disconnect()
	default:
		log.Printf("Ignoring unknown command %q", cmd.Kind)
		return
	}

	if err != nil {
		reportError(redisClient, err)
		log.Printf("Command %q failed: %v", cmd.Kind, err)
		return
	}

	if err := redisClient.PublishState(session.State().String()); err != nil {
		log.Printf("Warning: failed to publish state: %v", err)
	}
}

func connectWithArgs(session *bootloader.Session, redisClient *redisx.Client, args []string) error {
	port := *serialDevice
	if len(args) > 0 && args[0] != "" {
		port = args[0]
	}
	baud := *baudFlag
	if len(args) > 1 && args[1] != "" {
		baud = args[1]
	}
	return connectWithPortAndBaud(session, redisClient, port, baud)
}

func connect(session *bootloader.Session, redisClient *redisx.Client) error {
	return connectWithPortAndBaud(session, redisClient, *serialDevice, *baudFlag)
}

func connectWithPortAndBaud(session *bootloader.Session, redisClient *redisx.Client, port, baud string) error {
	policy := bootloader.BaudPolicy{Auto: true}
	if baud != "auto" {
		var explicit int
		if _, err := fmt.Sscanf(baud, "%d", &explicit); err != nil {
			return fmt.Errorf("invalid baud %q: %w", baud, err)
		}
		policy = bootloader.BaudPolicy{Explicit: explicit}
	}

	if err := session.Connect(port, policy); err != nil {
		return err
	}

	if redisClient != nil {
		snap := toSnapshot(session)
		if err := redisClient.PublishIdentity(snap); err != nil {
			log.Printf("Warning: failed to publish identity: %v", err)
		}
	}
	return nil
}

func programFromPath(session *bootloader.Session, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("program command requires a firmware path argument")
	}
	image, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read firmware image %q: %w", args[0], err)
	}
	return session.Program(image)
}

func toSnapshot(session *bootloader.Session) redisx.IdentitySnapshot {
	id := session.Identity
	if id == nil {
		return redisx.IdentitySnapshot{}
	}

	sectors := make([]redisx.SectorSnapshot, len(id.Sectors))
	for i, s := range id.Sectors {
		sectors[i] = redisx.SectorSnapshot{
			Index: s.Index, Label: s.Label, StartAddr: s.StartAddr, EndAddr: s.EndAddr,
			SizeKB: s.SizeKB, Readable: s.Readable, Writable: s.Writable, Erasable: s.Erasable,
		}
	}

	fieldErrors := make(map[string]string, len(id.FieldErrors))
	for k, v := range id.FieldErrors {
		fieldErrors[k] = v.Error()
	}

	return redisx.IdentitySnapshot{
		UDID: id.UDID, FWSize: id.FWSize, BLRev: id.BLRev, BoardID: id.BoardID,
		SerialNum: id.SerialNum, HWRev: id.HWRev, Description: id.Description,
		Sectors: sectors, FieldErrors: fieldErrors,
	}
}

func reportError(redisClient *redisx.Client, err error) {
	if redisClient == nil {
		return
	}
	kind := fmt.Sprintf("%T", err)
	if publishErr := redisClient.PublishError(kind, err.Error()); publishErr != nil {
		log.Printf("Warning: failed to publish error event: %v", publishErr)
	}
}
