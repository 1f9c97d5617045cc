package main

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/Onyx48/schoolauth/internal/notifier"
	"github.com/Onyx48/schoolauth/internal/notifier/pinpoint"
	"github.com/Onyx48/schoolauth/internal/notifier/smtp"
	"github.com/Onyx48/schoolauth/internal/notifier/webhook"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/stuffbin"
	flag "github.com/spf13/pflag"
	"github.com/zerodha/logf"
)

type constants struct {
	AppName string
	RootURL string
}

func initConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, f := range cFiles {
		log.Printf("reading config: %s", f)
		if err := ko.Load(file.Provider(f), toml.Parser()); err != nil {
			log.Printf("error reading config: %v", err)
		}
	}
	// Load environment variables and merge into the loaded config.
	if err := ko.Load(env.Provider("SCHOOLAUTH_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "SCHOOLAUTH_")), "__", ".", -1)
	}), nil); err != nil {
		log.Printf("error loading env config: %v", err)
	}

	ko.Load(posflag.Provider(f, ".", ko), nil)
}

// confSeconds reads a config value that is a plain number of seconds,
// regardless of whether it is written as 300 or "300".
func confSeconds(key string) time.Duration {
	return time.Duration(ko.Int(key)) * time.Second
}

func initLogger(debug bool) logf.Logger {
	opts := logf.Opts{EnableCaller: true}
	if debug {
		opts.Level = logf.DebugLevel
		opts.EnableColor = true
	}
	return logf.New(opts)
}

// initNotifier loads the delivery channel selected in the config.
func initNotifier(lo logf.Logger) notifier.Notifier {
	var (
		channel = ko.String("notifier.channel")
		n       notifier.Notifier
		err     error
	)

	switch channel {
	case "smtp":
		var c smtp.Config
		ko.UnmarshalWithConf("notifier.smtp", &c, koanf.UnmarshalConf{Tag: "json"})
		n, err = smtp.New(c)
	case "webhook":
		var c webhook.Config
		ko.UnmarshalWithConf("notifier.webhook", &c, koanf.UnmarshalConf{Tag: "json"})
		n, err = webhook.New(c)
	case "pinpoint":
		var c pinpoint.Config
		ko.UnmarshalWithConf("notifier.pinpoint", &c, koanf.UnmarshalConf{Tag: "json"})
		n, err = pinpoint.NewSMS(c)
	default:
		lo.Fatal("unknown notifier.channel in config", "channel", channel)
	}
	if err != nil {
		lo.Fatal("error initializing notifier", "channel", channel, "error", err)
	}

	lo.Info("loaded notifier", "channel", channel)
	return n
}

// initSender compiles the message templates and binds them to the
// notifier.
func initSender(n notifier.Notifier, fs stuffbin.FileSystem) (*otpSender, error) {
	tpl, err := stuffbin.ParseTemplatesGlob(sprig.HtmlFuncMap(), fs, "/static/*.html")
	if err != nil {
		return nil, fmt.Errorf("error compiling message templates: %v", err)
	}

	body := tpl.Lookup(ko.String("notifier.template"))
	if body == nil {
		return nil, fmt.Errorf("template '%s' not found in static", ko.String("notifier.template"))
	}

	var subject *template.Template
	if subj := ko.String("notifier.subject"); subj != "" {
		subject, err = template.New("subject").Funcs(sprig.HtmlFuncMap()).Parse(subj)
		if err != nil {
			return nil, fmt.Errorf("error parsing subject template: %v", err)
		}
	}

	return &otpSender{
		n:       n,
		subject: subject,
		body:    body,
		appName: ko.String("app.name"),
	}, nil
}

func initFS(exe string) stuffbin.FileSystem {
	// Read stuffed data from self.
	fs, err := stuffbin.UnStuff(exe)
	if err != nil {
		// Binary is unstuffed or is running in dev mode.
		// Can halt here or fall back to the local filesystem.
		if err == stuffbin.ErrNoID {
			// First argument is to the root to mount the files in the FileSystem
			// and the rest of the arguments are paths to embed.
			fs, err = stuffbin.NewLocalFS("/", "static/")
			if err != nil {
				log.Fatalf("error falling back to local filesystem: %v", err)
			}
		} else {
			log.Fatalf("error reading stuffed binary: %v", err)
		}
	}

	return fs
}

// otpSender renders the message templates and pushes the result out
// over the configured notifier.
type otpSender struct {
	n       notifier.Notifier
	subject *template.Template
	body    *template.Template
	appName string
}

type senderData struct {
	Identifier string
	OTP        string
	TTL        time.Duration
	AppName    string
}

func (s *otpSender) Send(ctx context.Context, identifier, code string, ttl time.Duration) error {
	if err := s.n.ValidateAddress(identifier); err != nil {
		return fmt.Errorf("invalid address for %s: %v", s.n.ChannelName(), err)
	}

	var (
		subj = &bytes.Buffer{}
		out  = &bytes.Buffer{}

		data = senderData{
			Identifier: identifier,
			OTP:        code,
			TTL:        ttl,
			AppName:    s.appName,
		}
	)

	if s.subject != nil {
		if err := s.subject.Execute(subj, data); err != nil {
			return err
		}
	}
	if err := s.body.Execute(out, data); err != nil {
		return err
	}

	if max := s.n.MaxBodyLen(); max > 0 && out.Len() > max {
		return fmt.Errorf("rendered message exceeds %d bytes for %s", max, s.n.ID())
	}

	return s.n.Push(identifier, subj.String(), out.Bytes())
}
