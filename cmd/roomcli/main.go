package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"github.com/labstack/gommon/log"
	"github.com/spf13/pflag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"
	"zcoder.me/auth"
	"zcoder.me/client"
	"zcoder.me/model"
)

type options struct {
	url      string
	token    string
	secret   string
	roomID   string
	userID   string
	username string
	emit     time.Duration
	verbose  bool
}

func (o *options) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.url, "url", "ws://localhost:8080/ws", "coordinator websocket endpoint")
	fs.StringVar(&o.token, "token", "", "session token issued by the persistence API")
	fs.StringVar(&o.secret, "secret", "", "sign a local token with this secret when --token is empty")
	fs.StringVar(&o.roomID, "room", "", "room id to join")
	fs.StringVar(&o.userID, "user-id", "", "user id")
	fs.StringVar(&o.username, "username", "", "display name")
	fs.DurationVar(&o.emit, "emit-interval", client.DefaultEmitInterval, "minimum interval between code edits sent")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")
}

func (o *options) validate() error {
	if o.roomID == "" || o.userID == "" || o.username == "" {
		return errors.New("--room, --user-id and --username are required")
	}
	if o.token == "" && o.secret == "" {
		return errors.New("one of --token or --secret is required")
	}
	return nil
}

// printer renders the parts of the state that changed since the last call.
type printer struct {
	mu   sync.Mutex
	last client.State
}

func (p *printer) StateChanged(s client.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.Connected != p.last.Connected {
		fmt.Printf("* connected: %v\n", s.Connected)
	}
	if names(s.Participants) != names(p.last.Participants) && s.Joined {
		fmt.Printf("* participants: %s\n", names(s.Participants))
	}
	if s.Code != p.last.Code && s.Joined {
		fmt.Printf("* code:\n%s\n", s.Code)
	}
	if s.LanguageID != p.last.LanguageID {
		fmt.Printf("* language: %d\n", s.LanguageID)
	}
	for i := len(p.last.Messages); i < len(s.Messages); i++ {
		fmt.Printf("<%s> %s\n", s.Messages[i].User.Username, s.Messages[i].Message)
	}
	if s.Output != p.last.Output && s.Output != "" {
		label := "output"
		if s.OutputFailed {
			label = "error"
		}
		fmt.Printf("* %s:\n%s\n", label, s.Output)
	}
	if s.LastError != nil && s.LastError != p.last.LastError {
		fmt.Printf("! %s\n", s.LastError)
	}
	p.last = s
}

func names(ps []model.Participant) string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Username)
	}
	return strings.Join(out, ", ")
}

// command applies one input line: plain text is chat, slash commands drive
// the session.
func command(s *client.Session, line string) error {
	if !strings.HasPrefix(line, "/") {
		return s.SendMessage(line)
	}
	cmd, arg := line, ""
	if i := strings.IndexByte(line, ' '); i > 0 {
		cmd, arg = line[:i], line[i+1:]
	}
	switch cmd {
	case "/code":
		s.Edit(strings.ReplaceAll(arg, `\n`, "\n"))
		return nil
	case "/run":
		return s.Execute(strings.ReplaceAll(arg, `\n`, "\n"))
	case "/lang":
		id, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("language id: %w", err)
		}
		return s.SetLanguage(id)
	case "/leave":
		return s.Leave()
	case "/delete":
		return s.Delete()
	default:
		return fmt.Errorf("unknown command %s", cmd)
	}
}

func main() {
	var o options
	o.addFlags(pflag.CommandLine)
	pflag.Parse()
	if err := o.validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		pflag.Usage()
		os.Exit(2)
	}
	if o.verbose {
		log.SetLevel(log.DEBUG)
	}

	token := o.token
	if token == "" {
		var err error
		token, err = auth.NewVerifier(o.secret).Sign(o.userID, 24*time.Hour)
		if err != nil {
			log.Fatal(err)
		}
	}

	session := client.NewSession(client.Options{
		RoomID:       o.roomID,
		User:         model.Participant{ID: o.userID, Username: o.username},
		Dialer:       &client.WebsocketDialer{URL: o.url, Token: token},
		Observer:     &printer{},
		EmitInterval: o.emit,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if err := command(session, line); err != nil {
				log.Warn(err)
			}
		}
	}()

	err := session.Run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		log.Info("session closed")
	case errors.Is(err, client.ErrRoomDeleted):
		log.Info("room was deleted")
	default:
		log.Fatal(err)
	}
}
