package main

import (
	"flag"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/muxrelay/muxrelay"
)

var (
	listenFlag    string
	upstreamFlag  string
	configFlag    string
	verbosityFlag bool
)

func init() {
	flag.StringVar(&listenFlag, "listen", "", "address to listen on (default "+muxrelay.DefaultProxyAddr+")")
	flag.StringVar(&upstreamFlag, "upstream", "", "origin address, host:port or ws:// URL (default "+muxrelay.DefaultOriginAddr+")")
	flag.StringVar(&configFlag, "config", "", "path to config file")
	flag.BoolVar(&verbosityFlag, "vv", false, "verbosity: debug logging")
}

func main() {
	flag.Parse()

	logLevel := zerolog.InfoLevel
	if verbosityFlag {
		logLevel = zerolog.DebugLevel
	}
	log.Logger = log.Level(logLevel).Output(zerolog.ConsoleWriter{Out: os.Stdout})

	p := muxrelay.NewProxy(muxrelay.DefaultOriginAddr)
	if configFlag != "" {
		config, err := muxrelay.LoadConfig(configFlag)
		if err != nil {
			log.Fatal().Err(err).Str("config", configFlag).Msg("cannot load config")
		}
		p = config.Proxy.Proxy()
	}
	if listenFlag != "" {
		p.Addr = listenFlag
	}
	if upstreamFlag != "" {
		p.Upstream = upstreamFlag
	}
	if p.Upstream == "" {
		p.Upstream = muxrelay.DefaultOriginAddr
	}

	ln, err := p.Listen(p.Addr)
	if err != nil {
		log.Fatal().Err(err).Msg("listen failed")
	}
	log.Info().Str("addr", p.Addr).Str("upstream", p.Upstream).Msg("proxy listening")
	if err := p.Serve(ln); err != nil {
		log.Fatal().Err(err).Msg("serve failed")
	}
}
