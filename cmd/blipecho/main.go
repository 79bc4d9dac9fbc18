// Command blipecho is a small BLIP echo tool. In serve mode it listens for
// WebSocket connections and echoes every "echo" request back to the sender;
// in dial mode it connects to a server and sends a message.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jiangxilong/blip"
)

func setupLogger() *zap.Logger {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(viper.GetString("log.level")) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "warn":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}
	encoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level),
	}
	if file := viper.GetString("log.file"); file != "" {
		ws := zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    viper.GetInt("log.maxsize"),
			MaxBackups: viper.GetInt("log.maxbackups"),
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), ws, level))
	}
	return zap.New(zapcore.NewTee(cores...))
}

func serve(logger *zap.Logger) error {
	listener := &blip.Listener{
		MaxConns: viper.GetInt("maxconns"),
		Handler: func(c *blip.Conn) {
			c.Logger = logger
			c.Handle("echo", func(r *blip.Request) {
				r.Respond(r.Body(), r.Property(blip.PropertyContentType))
			})
			c.OnClose(func(err error) {
				if err != nil {
					logger.Warn("connection closed", zap.Error(err))
				}
			})
		},
	}
	addr := viper.GetString("listen")
	logger.Info("listening", zap.String("addr", addr))
	return http.ListenAndServe(addr, listener)
}

func dial(logger *zap.Logger, message string) error {
	c := blip.NewConn(blip.NewWSTransport(viper.GetString("url"), nil))
	c.Logger = logger
	if err := c.Start(); err != nil {
		<-c.Done()
		return err
	}
	defer func() {
		c.Close()
		<-c.Done()
	}()
	req := c.Request()
	req.SetProperty(blip.PropertyProfile, "echo")
	req.SetBody([]byte(message))
	resp, err := c.Send(req)
	if err != nil {
		return err
	}
	body, err := resp.Result()
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}

func main() {
	cfgFile := flag.String("config", "", "configuration file")
	serveMode := flag.Bool("serve", false, "run an echo server")
	flag.Parse()

	viper.SetDefault("listen", ":10443")
	viper.SetDefault("url", "ws://127.0.0.1:10443/")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.maxsize", 10)
	viper.SetDefault("log.maxbackups", 3)
	viper.SetEnvPrefix("blipecho")
	viper.AutomaticEnv()
	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	logger := setupLogger()
	defer logger.Sync()

	var err error
	if *serveMode {
		go func() {
			ch := make(chan os.Signal, 1)
			signal.Notify(ch, os.Interrupt)
			<-ch
			os.Exit(0)
		}()
		err = serve(logger)
	} else {
		err = dial(logger, strings.Join(flag.Args(), " "))
	}
	if err != nil {
		logger.Fatal("exiting", zap.Error(err))
	}
}
