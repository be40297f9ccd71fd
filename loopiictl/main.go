package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/loopii/loopii-go"
)

const LoopiiCtlVersion = "0.0.1"

const DefaultApiUrl = "https://api.loopii.app"
const DefaultRealtimeUrl = "wss://realtime.loopii.app"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Loopii control.

The default urls are:
    api_url: %s
    realtime_url: %s

The session token is read from --jwt, the LOOPII_JWT environment variable,
or prompted interactively.

Usage:
    loopiictl ping [--api_url=<api_url>]
    loopiictl feed [--api_url=<api_url>] [--jwt=<jwt>] [--count=<count>]
    loopiictl decide <peer_id> (--connect | --skip)
        [--api_url=<api_url>] [--jwt=<jwt>]
    loopiictl loops [--api_url=<api_url>] [--jwt=<jwt>] [--limit=<limit>]
    loopiictl requests [--api_url=<api_url>] [--jwt=<jwt>] [--limit=<limit>]
    loopiictl notifications [--api_url=<api_url>] [--jwt=<jwt>] [--limit=<limit>]
    loopiictl watch [--realtime_url=<realtime_url>] [--jwt=<jwt>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --api_url=<api_url>
    --realtime_url=<realtime_url>
    --jwt=<jwt>                      Session token.
    --count=<count>                  Feed batch size [default: 10].
    --limit=<limit>                  Page size [default: 20].
    --connect                        Record a connect decision.
    --skip                           Record a skip decision.`,
		DefaultApiUrl,
		DefaultRealtimeUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LoopiiCtlVersion)
	if err != nil {
		panic(err)
	}

	if ping_, _ := opts.Bool("ping"); ping_ {
		ping(opts)
	} else if feed_, _ := opts.Bool("feed"); feed_ {
		feed(opts)
	} else if decide_, _ := opts.Bool("decide"); decide_ {
		decide(opts)
	} else if loops_, _ := opts.Bool("loops"); loops_ {
		loops(opts)
	} else if requests_, _ := opts.Bool("requests"); requests_ {
		requests(opts)
	} else if notifications_, _ := opts.Bool("notifications"); notifications_ {
		notifications(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrlAny := opts["--api_url"]; apiUrlAny != nil {
		return apiUrlAny.(string)
	}
	return DefaultApiUrl
}

func realtimeUrl(opts docopt.Opts) string {
	if realtimeUrlAny := opts["--realtime_url"]; realtimeUrlAny != nil {
		return realtimeUrlAny.(string)
	}
	return DefaultRealtimeUrl
}

func sessionJwt(opts docopt.Opts) string {
	if jwtAny := opts["--jwt"]; jwtAny != nil {
		return jwtAny.(string)
	}
	if jwt := os.Getenv("LOOPII_JWT"); jwt != "" {
		return jwt
	}
	fmt.Print("session token: ")
	jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		panic(err)
	}
	return strings.TrimSpace(string(jwtBytes))
}

func newApi(opts docopt.Opts) *loopii.LoopiiApi {
	api := loopii.NewLoopiiApi(apiUrl(opts))
	api.SetSessionJwt(sessionJwt(opts))
	return api
}

func ping(opts docopt.Opts) {
	api := loopii.NewLoopiiApi(apiUrl(opts))
	result, err := api.PingSync()
	if err != nil {
		Err.Fatalf("ping error = %s", err)
	}
	Out.Printf("pong=%t", result.Pong)
}

func feed(opts docopt.Opts) {
	count, _ := opts.Int("--count")

	api := newApi(opts)
	result, err := api.GetFeedSync(&loopii.GetFeedArgs{
		Limit: count,
	})
	if err != nil {
		if loopii.IsForbidden(err) {
			Err.Fatalf("your profile is hidden")
		}
		Err.Fatalf("feed error = %s", err)
	}
	for _, peer := range result.Peers {
		Out.Printf("%s %s", peer.Id, peer.Username)
	}
}

func decide(opts docopt.Opts) {
	peerIdStr, _ := opts.String("<peer_id>")
	peerId, err := loopii.ParseId(peerIdStr)
	if err != nil {
		Err.Fatalf("bad peer id = %s", err)
	}
	connect, _ := opts.Bool("--connect")

	api := newApi(opts)
	result, err := api.EvaluatePeerSync(&loopii.EvaluatePeerArgs{
		PeerId:  peerId,
		Connect: connect,
	})
	if err != nil {
		Err.Fatalf("decide error = %s", err)
	}
	if result.Looped {
		Out.Printf("looped!")
	} else {
		Out.Printf("recorded")
	}
}

func loops(opts docopt.Opts) {
	limit, _ := opts.Int("--limit")

	api := newApi(opts)
	result, err := api.GetUserLoopsSync(&loopii.PageArgs{
		Limit: limit,
	})
	if err != nil {
		Err.Fatalf("loops error = %s", err)
	}
	Out.Printf("%d loops (%d unseen)", result.Total, result.UnseenTotal)
	for _, item := range result.Items {
		username := ""
		if item.Profile != nil {
			username = item.Profile.Username
		}
		Out.Printf("%s %s seen=%t fav=%t", item.Loop.Id, username, item.Loop.IsSeen, item.Loop.IsFavourite)
	}
}

func requests(opts docopt.Opts) {
	limit, _ := opts.Int("--limit")

	api := newApi(opts)
	result, err := api.GetUserRequestsSync(&loopii.PageArgs{
		Limit: limit,
	})
	if err != nil {
		Err.Fatalf("requests error = %s", err)
	}
	Out.Printf("%d requests", result.Total)
	for _, item := range result.Items {
		username := ""
		if item.Profile != nil {
			username = item.Profile.Username
		}
		Out.Printf("%s %s", item.Decision.Id, username)
	}
}

func notifications(opts docopt.Opts) {
	limit, _ := opts.Int("--limit")

	api := newApi(opts)
	result, err := api.GetUserNotificationsSync(&loopii.PageArgs{
		Limit: limit,
	})
	if err != nil {
		Err.Fatalf("notifications error = %s", err)
	}
	Out.Printf("%d notifications (%d unread)", result.TotalCount, result.UnreadCount)
	for _, item := range result.Items {
		Out.Printf("%s %s read=%t %s", item.Id, item.Type, item.IsRead, item.CreatedAt.Format(time.RFC3339))
	}
}

func watch(opts docopt.Opts) {
	jwt := sessionJwt(opts)

	parsed, err := loopii.ParseSessionJwtUnverified(jwt)
	if err != nil {
		Err.Fatalf("bad session token = %s", err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := loopii.NewRealtimeClientWithDefaults(cancelCtx, realtimeUrl(opts))
	defer client.Close()
	client.SetAuth(jwt, parsed.UserId)

	client.Subscribe(loopii.UserNotificationsChannel, func(event *loopii.RealtimeEvent) {
		Out.Printf("%s %s", event.Type, event.Id)
	})

	Out.Printf("watching %s, ctrl-c to exit", loopii.UserNotificationsChannel)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}
