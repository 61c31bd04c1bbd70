package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	chatcore "github.com/studybuddy-app/chatcore"
)

func init() {
	rootCmd.AddCommand(friendsCmd)
	rootCmd.AddCommand(groupsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)

	historyCmd.Flags().StringVar(&historyGroup, "group", "", "show a group's history instead of a friend's")
	sendCmd.Flags().StringVar(&sendUser, "user", "", "recipient user id")
	sendCmd.Flags().StringVar(&sendGroup, "group", "", "recipient group id")
	watchCmd.Flags().StringVar(&watchUser, "user", "", "select the direct chat with this user")
	watchCmd.Flags().StringVar(&watchGroup, "group", "", "select this group chat")
}

var (
	historyGroup string
	sendUser     string
	sendGroup    string
	watchUser    string
	watchGroup   string
)

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "List friends and their pending requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx := cmd.Context()

		friends, err := client.Friends(ctx)
		if err != nil {
			return err
		}
		for _, f := range friends {
			fmt.Printf("%s  %s\n", f.ID, f.Username)
		}

		requests, err := client.FriendRequests(ctx)
		if err != nil {
			return err
		}
		if len(requests) > 0 {
			fmt.Println("\nPending requests:")
			for _, r := range requests {
				fmt.Printf("%s  %s\n", r.FromID, r.Username)
			}
		}
		return nil
	},
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List group chats",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		groups, err := client.Groups(cmd.Context())
		if err != nil {
			return err
		}
		for _, g := range groups {
			fmt.Printf("%s  %s\n", g.ID, g.Name)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [user-id]",
	Short: "Print message history with a friend or group",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		ctx := cmd.Context()

		var msgs []*chatcore.Message
		var err error
		switch {
		case historyGroup != "":
			msgs, err = client.GroupHistory(ctx, historyGroup)
		case len(args) == 1:
			_, msgs, err = client.DirectHistory(ctx, args[0])
		default:
			return fmt.Errorf("pass a user id or --group")
		}
		if err != nil {
			return err
		}

		printLog(msgs, cfg.Auth.UserID)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send a message to a friend or group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if (sendUser == "") == (sendGroup == "") {
			return fmt.Errorf("pass exactly one of --user or --group")
		}
		_, cfg := getClient()
		ctx := cmd.Context()

		socket := newSocket(cfg, nil)
		if err := socket.Connect(ctx); err != nil {
			return err
		}
		defer socket.Disconnect()

		if err := socket.Emit(ctx, chatcore.EmitJoin, chatcore.JoinPayload{Token: cfg.Auth.Token}); err != nil {
			return err
		}
		if sendGroup != "" {
			return socket.Emit(ctx, chatcore.EmitGroupMessageSend, chatcore.GroupSendPayload{
				GroupID: sendGroup,
				Content: args[0],
			})
		}
		return socket.Emit(ctx, chatcore.EmitMessageSend, chatcore.SendMessagePayload{
			ToUserID: sendUser,
			Content:  args[0],
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect and stream live conversation state",
	Long:  "Connect to the realtime socket and print conversation activity as it happens.\nOptionally select a conversation so its messages are acknowledged as read.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		session := chatcore.NewSession(chatcore.SessionConfig{
			UserID:     cfg.Auth.UserID,
			Token:      cfg.Auth.Token,
			Roster:     client.RosterFetcher(),
			DirectHist: client.DirectHistoryFetcher(),
			GroupHist:  client.GroupHistoryFetcher(),
		})

		socket := newSocket(cfg, session)
		session.SetTransport(socket)

		session.OnAnomaly(func(a chatcore.Anomaly) {
			fmt.Fprintf(os.Stderr, "anomaly: %s\n", a)
		})
		session.OnGroupError(func(msg string) {
			fmt.Fprintf(os.Stderr, "group error: %s\n", msg)
		})
		session.OnError(func(err error) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		})
		session.OnConnectionState(func(state chatcore.ConnectionState) {
			fmt.Fprintf(os.Stderr, "connection: %s\n", state)
		})
		session.OnUpdate(func() {
			printSummary(session)
		})
		socket.OnProtocolError(func(err error) {
			fmt.Fprintf(os.Stderr, "protocol: %v\n", err)
		})

		if err := socket.Connect(ctx); err != nil {
			return err
		}
		defer socket.Disconnect()

		switch {
		case watchUser != "":
			session.Post(func() { session.SelectDirect(watchUser) })
		case watchGroup != "":
			session.Post(func() { session.SelectGroup(watchGroup, "") })
		}

		if err := session.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func newSocket(cfg *Config, sink chatcore.EventSink) *chatcore.SocketClient {
	baseURL := cfg.Default.BaseURL
	if baseURL == "" {
		baseURL = chatcore.DefaultBaseURL
	}
	return chatcore.NewSocketClient(baseURL, chatcore.SocketConfig{
		Token:         cfg.Auth.Token,
		AutoReconnect: true,
	}, sink)
}

func printLog(msgs []*chatcore.Message, userID string) {
	log := &chatcore.Log{}
	log.BulkIngest(msgs, userID)

	now := time.Now()
	for _, item := range log.GroupByDate(time.Local) {
		if item.IsSeparator() {
			fmt.Printf("--- %s ---\n", chatcore.FormatDateLabel(item.Separator, now))
			continue
		}
		m := item.Message
		sender := m.SenderID
		if m.SenderID == userID {
			sender = "me"
		}
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), sender, chatcore.PreviewText(m.Text))
	}
}

func printSummary(session *chatcore.Session) {
	for _, c := range session.Store().Sorted() {
		name := c.Title
		if name == "" {
			name = c.ID
		}
		unread := ""
		if c.Unread > 0 {
			unread = fmt.Sprintf(" (%d unread)", c.Unread)
		}
		fmt.Printf("%s: %s%s\n", name, c.LastMessage.Text, unread)
	}
	if typists := session.ActiveTypists(); len(typists) > 0 {
		fmt.Printf("typing: %v\n", typists)
	}
}
