// Command rehearse is an interactive terminal client for a shared schedule.
// It joins the schedule over the websocket, mirrors every remote change into
// a local database, and accepts simple commands on stdin to create, edit,
// lock, and present slides. Two rehearse processes against the same server
// are a full collaboration session.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"slidesync/internal/apiclient"
	"slidesync/internal/collab"
	"slidesync/internal/config"
	"slidesync/internal/locks"
	"slidesync/internal/models"
	"slidesync/internal/netmon"
	"slidesync/internal/retryqueue"
	"slidesync/internal/session"
	"slidesync/internal/store"
	"slidesync/internal/transport"
)

func run(ctx context.Context) error {
	var (
		serverURL  = flag.String("server", "ws://localhost:4500/sync", "websocket endpoint of the sync server")
		apiURL     = flag.String("api", "http://localhost:4500", "base URL of the REST API")
		userID     = flag.String("user", "", "user id (required)")
		userName   = flag.String("name", "", "display name (defaults to user id)")
		churchID   = flag.String("church", "demo-church", "church id")
		scheduleID = flag.String("schedule", "", "schedule id to join (required)")
		dbFile     = flag.String("db", "", "local slide database (defaults to rehearse-<user>.db)")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if *userID == "" || *scheduleID == "" {
		flag.Usage()
		return fmt.Errorf("-user and -schedule are required")
	}
	if *userName == "" {
		*userName = *userID
	}
	if *dbFile == "" {
		*dbFile = fmt.Sprintf("rehearse-%s.db", *userID)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st, err := store.Open(*dbFile)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	sess := session.New(*userID, *userName, "", "", *churchID, *scheduleID)
	mon := netmon.New(true)

	queue, err := retryqueue.Open(fmt.Sprintf("rehearse-%s-queue.db", *userID))
	if err != nil {
		return err
	}
	defer func() { _ = queue.Close() }()

	api := apiclient.New(apiclient.Config{
		BaseURL: *apiURL,
		Queue:   queue,
		Net:     mon,
		Logger:  logger,
	})

	var tr *transport.Transport
	sender := collab.SenderFunc(func(env models.Envelope) bool {
		return tr.Send(env)
	})

	cs := collab.New(collab.Config{
		Session:      sess,
		Store:        st,
		Sender:       sender,
		EditedExpiry: cfg.LockExpiry,
		LockConfig: locks.Config{
			RefreshInterval: cfg.LockRefreshInterval,
			Expiry:          cfg.LockExpiry,
		},
		Logger: logger,
		Callbacks: collab.Callbacks{
			SlideCreated: func(slide models.Slide, byName string) {
				fmt.Printf("* %s added slide %q\n", byName, slide.Title)
			},
			SlideUpdated: func(slide models.Slide, byName string) {
				fmt.Printf("* %s updated slide %q\n", byName, slide.Title)
			},
			SlideDeleted: func(slideID, byName string) {
				fmt.Printf("* %s deleted slide %s\n", byName, slideID)
			},
			SlideLocked: func(lock models.SlideEditLock) {
				fmt.Printf("* %s is editing slide %s\n", lock.LockedByName, lock.SlideID)
			},
			SlideUnlocked: func(slideID string) {
				fmt.Printf("* slide %s is free again\n", slideID)
			},
			LockDenied: func(lock models.SlideEditLock) {
				fmt.Printf("* lock denied, %s holds slide %s\n", lock.LockedByName, lock.SlideID)
			},
			UserJoined: func(user models.OnlineUser) {
				fmt.Printf("* %s joined\n", user.UserName)
			},
			UserLeft: func(userID, userName string) {
				fmt.Printf("* %s left\n", userName)
			},
			LiveSlide: func(data json.RawMessage) {
				fmt.Printf("* live slide: %s\n", data)
			},
			GaveUp: func() {
				fmt.Println("* connection lost for good, restart to rejoin")
			},
		},
	})
	defer cs.Cleanup()

	wsURL := *serverURL + "?" + sess.ConnectionQuery().Encode()
	tr = transport.New(transport.Options{
		URL:               wsURL,
		MaxRetries:        cfg.MaxRetries,
		BaseRetryDelay:    cfg.BaseRetryDelay,
		MaxRetryDelay:     cfg.MaxRetryDelay,
		ConnectionTimeout: cfg.ConnectionTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		OfflineRecheck:    cfg.OfflineRecheck,
		Logger:            logger,
	}, mon, cs)
	defer tr.Close()

	if err := tr.Connect(); err != nil {
		return err
	}

	fmt.Printf("joined schedule %s as %s, type 'help' for commands\n", *scheduleID, *userName)
	return commandLoop(ctx, cs, st, sess, api)
}

func commandLoop(ctx context.Context, cs *collab.Session, st *store.Store, sess *session.Session, api *apiclient.Client) error {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleCommand(ctx, line, cs, st, sess, api); quit {
				return nil
			}
		}
	}
}

func handleCommand(ctx context.Context, line string, cs *collab.Session, st *store.Store, sess *session.Session, api *apiclient.Client) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "help":
		fmt.Println("commands: list, add <title...>, del <id>, lock <id>, unlock <id>, live <id>, who, schedules, pull, save, quit")
	case "list":
		for _, slide := range st.Slides() {
			marker := " "
			if !slide.Synced() {
				marker = "~"
			}
			holder := ""
			if name, ok := cs.SlideEditor(slide.ID); ok {
				holder = " (editing: " + name + ")"
			}
			fmt.Printf("%s %2d %s %s%s\n", marker, slide.Index, slide.ID, slide.Title, holder)
		}
	case "add":
		title := strings.Join(fields[1:], " ")
		slide := models.Slide{
			ID:         gonanoid.Must(),
			Index:      len(st.Slides()),
			Title:      title,
			Type:       models.SlideTypeText,
			Contents:   []string{title},
			ScheduleID: sess.ScheduleID,
		}
		if err := cs.CreateSlide(slide); err != nil {
			fmt.Println("error:", err)
		}
	case "del":
		if len(fields) < 2 {
			fmt.Println("usage: del <id>")
			return false
		}
		if err := cs.DeleteSlide(fields[1]); err != nil {
			fmt.Println("error:", err)
		}
	case "lock":
		if len(fields) < 2 {
			fmt.Println("usage: lock <id>")
			return false
		}
		cs.Locks().Request(fields[1])
	case "unlock":
		if len(fields) < 2 {
			fmt.Println("usage: unlock <id>")
			return false
		}
		cs.Locks().Release(fields[1])
	case "live":
		if len(fields) < 2 {
			fmt.Println("usage: live <id>")
			return false
		}
		slide, ok := st.Slide(fields[1])
		if !ok {
			fmt.Println("no such slide")
			return false
		}
		data, err := json.Marshal(slide)
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		cs.GoLive(data)
	case "who":
		for _, u := range cs.OnlineUsers() {
			fmt.Printf("  %s (joined %s)\n", u.UserName, u.JoinedAt.Format(time.Kitchen))
		}
	case "schedules":
		schedules, err := api.FetchSchedules(ctx, sess.ChurchID)
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		for _, sched := range schedules {
			saved := " "
			if sched.Saved {
				saved = "*"
			}
			fmt.Printf("%s %s %s\n", saved, sched.ServerID, sched.Name)
		}
	case "pull":
		// Full resync over REST, reconciled against local pending changes.
		slides, err := api.FetchSlides(ctx, sess.ChurchID, sess.ScheduleID)
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		merged := store.MergeSlideLists(slides, st.Slides())
		if err := st.ReplaceSlides(merged); err != nil {
			fmt.Println("error:", err)
			return false
		}
		fmt.Printf("pulled %d slides\n", len(merged))
	case "save":
		if err := api.SaveSchedule(ctx, sess.ChurchID, sess.ScheduleID); err != nil {
			fmt.Println("error:", err)
		}
	case "quit", "exit":
		return true
	default:
		fmt.Println("unknown command, try 'help'")
	}
	return false
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		log.Fatalf("rehearse: %v", err)
	}
}
