// Command rtp-player receives an H.264 RTP stream and plays it on the
// local display through the hardware decode path.
//
// Usage:
//
//	rtp-player [-d /dev/video10] [-i 0.0.0.0] [-p 5600]
//
// Send a stream with:
//
//	ffmpeg -re -i video.mp4 -c:v libx264 -tune zerolatency \
//	    -f rtp rtp://<player-host>:5600
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/thesyncim/player"
)

func main() {
	var (
		device = "/dev/video10"
		ip     = "0.0.0.0"
		port   = uint(5600)
	)
	flag.StringVar(&device, "d", device, "V4L2 decoder device")
	flag.StringVar(&device, "device", device, "V4L2 decoder device")
	flag.StringVar(&ip, "i", ip, "local IP to listen on")
	flag.StringVar(&ip, "ip", ip, "local IP to listen on")
	flag.UintVar(&port, "p", port, "local port for RTP")
	flag.UintVar(&port, "port", port, "local port for RTP")
	flag.Parse()

	if port == 0 || port > 65535 {
		fmt.Fprintf(os.Stderr, "invalid port %d\n", port)
		os.Exit(1)
	}

	log.SetFlags(log.Ltime | log.Lmicroseconds)
	log.Printf("rtp-player: device %s, listening on %s:%d", device, ip, port)

	cfg := player.DefaultDecoderConfig()
	cfg.DevicePath = device

	pipeline, err := player.OpenDecodePipeline(cfg)
	if err != nil {
		log.Printf("rtp-player: %v", err)
		os.Exit(1)
	}

	pl := player.NewPlayer(pipeline)

	receiver := player.NewRTPReceiver(ip, uint16(port))
	receiver.SetCallback(pl.OnAccessUnit)

	pl.Start()
	if err := receiver.Start(); err != nil {
		log.Printf("rtp-player: %v", err)
		pl.Stop()
		pipeline.Close()
		os.Exit(1)
	}

	fmt.Println("Press Enter to stop...")
	wait()

	receiver.Stop()
	pl.Stop()
	if err := pipeline.Flush(); err != nil {
		log.Printf("rtp-player: flush: %v", err)
	}
	pipeline.Close()

	stats := pl.Stats()
	recvStats := receiver.Stats()
	log.Printf("rtp-player: received %d packets, %d access units; decoded %d frames, dropped %d",
		recvStats.PacketsReceived, recvStats.FramesCompleted,
		stats.FramesDecoded, stats.FramesDropped)
}

// wait blocks until the user presses Enter or the process receives an
// interrupt.
func wait() {
	done := make(chan struct{}, 1)
	go func() {
		bufio.NewReader(os.Stdin).ReadString('\n')
		done <- struct{}{}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-done:
	case <-sig:
	}
}
