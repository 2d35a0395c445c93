package main

import (
	"flag"
	"net/http"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/muxrelay/muxrelay"
)

var (
	listenFlag     string
	rootFlag       string
	configFlag     string
	wsListenFlag   string
	verbosityFlag  bool
	defaultFlag    string
	restrictedFlag string
)

func init() {
	flag.StringVar(&listenFlag, "listen", "", "address to listen on (default "+muxrelay.DefaultOriginAddr+")")
	flag.StringVar(&rootFlag, "root", "", "directory to serve files from")
	flag.StringVar(&configFlag, "config", "", "path to config file")
	flag.StringVar(&wsListenFlag, "ws", "", "also accept framed traffic over websocket on this address")
	flag.StringVar(&defaultFlag, "default", "", "file served for the root path")
	flag.StringVar(&restrictedFlag, "restricted", "", "file that always yields 403")
	flag.BoolVar(&verbosityFlag, "vv", false, "verbosity: debug logging")
}

func main() {
	flag.Parse()

	logLevel := zerolog.InfoLevel
	if verbosityFlag {
		logLevel = zerolog.DebugLevel
	}
	log.Logger = log.Level(logLevel).Output(zerolog.ConsoleWriter{Out: os.Stdout})

	srv := &muxrelay.Server{}
	if configFlag != "" {
		config, err := muxrelay.LoadConfig(configFlag)
		if err != nil {
			log.Fatal().Err(err).Str("config", configFlag).Msg("cannot load config")
		}
		srv = config.Origin.Server()
	}
	if listenFlag != "" {
		srv.Addr = listenFlag
	}
	if rootFlag != "" {
		srv.Root = rootFlag
	}
	if defaultFlag != "" {
		srv.DefaultFile = defaultFlag
	}
	if restrictedFlag != "" {
		srv.RestrictedFile = restrictedFlag
	}

	if wsListenFlag != "" {
		handler := srv.WebsocketHandler()
		go func() {
			log.Info().Str("addr", wsListenFlag).Msg("origin websocket listening")
			if err := http.ListenAndServe(wsListenFlag, handler); err != nil {
				log.Fatal().Err(err).Msg("websocket listener failed")
			}
		}()
	}

	ln, err := srv.Listen(srv.Addr)
	if err != nil {
		log.Fatal().Err(err).Msg("listen failed")
	}
	log.Info().Str("addr", srv.Addr).Msg("origin listening")
	if err := srv.Serve(ln); err != nil {
		log.Fatal().Err(err).Msg("serve failed")
	}
}
