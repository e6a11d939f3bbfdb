package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/config"
	"github.com/roach88/cartsync/internal/coordinator"
	"github.com/roach88/cartsync/internal/order"
	"github.com/roach88/cartsync/internal/orderapi"
)

// DefaultWait bounds how long a cart mutation waits for its confirmation.
const DefaultWait = 30 * time.Second

// CartOptions holds flags for the cart commands.
type CartOptions struct {
	*RootOptions
	Driver   string
	Path     string
	OrderURL string
	Wait     time.Duration

	Price int64 // add only
	Reset bool  // clear only
}

// NewCartCommand creates the cart command and its subcommands.
func NewCartCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CartOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cart",
		Short: "Inspect and change the local cart",
		Long: `Inspect and change the cart held in the configured storage.

add, remove and decrement apply the change locally, confirm it with the
order API and wait for the outcome. A rejected change is rolled back and
the command exits with code 1.

Examples:
  cartsync cart show
  cartsync cart add burger large --price 1250 --order-url https://orders.example.com/api
  cartsync cart decrement fries
  cartsync cart clear --reset`,
	}

	cmd.PersistentFlags().StringVar(&opts.Driver, "storage", "", "storage driver (memory|sqlite|redis|postgres|firestore)")
	cmd.PersistentFlags().StringVar(&opts.Path, "db", "", "path to SQLite database")
	cmd.PersistentFlags().StringVar(&opts.OrderURL, "order-url", "", "order API base URL")
	cmd.PersistentFlags().DurationVar(&opts.Wait, "wait", DefaultWait, "how long to wait for a confirmation")

	cmd.AddCommand(newCartShowCommand(opts))
	cmd.AddCommand(newCartMutationCommand(opts, order.OpAdd, "Add one unit of an item"))
	cmd.AddCommand(newCartMutationCommand(opts, order.OpRemove, "Remove an item's line"))
	cmd.AddCommand(newCartMutationCommand(opts, order.OpDecrement, "Take one unit of an item away"))
	cmd.AddCommand(newCartClearCommand(opts))

	return cmd
}

func newCartShowCommand(opts *CartOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show",
		Short:         "Print the cart",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openCart(commandContext(cmd), opts)
			if err != nil {
				return err
			}
			defer sess.Close()

			return writeCart(cmd.OutOrStdout(), opts.Format, newCartView(sess.carts), nil)
		},
	}
}

func newCartMutationCommand(opts *CartOptions, op order.Op, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           string(op) + " <item> [variant]",
		Short:         short,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutation(cmd, opts, op, args)
		},
	}
	if op == order.OpAdd {
		cmd.Flags().Int64Var(&opts.Price, "price", 0, "unit price in minor units, used when the line is new")
	}
	return cmd
}

func newCartClearCommand(opts *CartOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Empty the local cart without contacting the order API",
		Long: `Empty the local cart. The order API is not contacted.

With --reset the order id is forgotten as well, so the next change starts a
new order.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openCart(commandContext(cmd), opts)
			if err != nil {
				return err
			}
			defer sess.Close()

			if opts.Reset {
				sess.carts.Reset()
			} else {
				sess.carts.Clear()
			}
			return writeCart(cmd.OutOrStdout(), opts.Format, newCartView(sess.carts), nil)
		},
	}
	cmd.Flags().BoolVar(&opts.Reset, "reset", false, "also forget the order id")
	return cmd
}

// cartSession is an opened cart and the configuration it came from.
type cartSession struct {
	cfg   config.Config
	carts *cart.Store
	close func() error
}

// Close writes pending cart changes, then closes the storage.
func (s *cartSession) Close() {
	if err := s.carts.Close(); err != nil {
		slog.Warn("error writing cart", "error", err)
	}
	if err := s.close(); err != nil {
		slog.Warn("error closing storage", "error", err)
	}
}

// openCart loads the configuration, applies flag overrides and rehydrates
// the cart from storage.
func openCart(ctx context.Context, opts *CartOptions) (*cartSession, error) {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return nil, err
	}
	if opts.Driver != "" {
		cfg.Storage.Driver = opts.Driver
	}
	if opts.Path != "" {
		cfg.Storage.Path = opts.Path
	}
	if opts.OrderURL != "" {
		cfg.Order.BaseURL = opts.OrderURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	storage, closer, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open storage", err)
	}

	carts, err := cart.Open(ctx, storage, cart.WithLogger(slog.Default()))
	if err != nil {
		_ = closer()
		return nil, WrapExitError(ExitCommandError, "failed to load cart", err)
	}

	return &cartSession{cfg: cfg, carts: carts, close: closer}, nil
}

func runMutation(cmd *cobra.Command, opts *CartOptions, op order.Op, args []string) error {
	variant := ""
	if len(args) > 1 {
		variant = args[1]
	}
	key, err := cart.NewKey(args[0], variant)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid item", err)
	}

	ctx := commandContext(cmd)
	sess, err := openCart(ctx, opts)
	if err != nil {
		return err
	}
	defer sess.Close()

	if sess.cfg.Order.BaseURL == "" {
		return NewExitError(ExitCommandError,
			"order API URL is not configured (set order.base_url, CARTSYNC_ORDER_URL or --order-url)")
	}

	tokens, err := tokenProvider(ctx, sess.cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up tokens", err)
	}
	client, err := orderapi.New(sess.cfg.Order.BaseURL, sess.carts,
		orderapi.WithTokens(tokens),
		orderapi.WithLogger(slog.Default()),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create order client", err)
	}

	var (
		mu     sync.Mutex
		notice *coordinator.Notice
	)
	coord := coordinator.New(sess.carts, client,
		coordinator.WithLogger(slog.Default()),
		coordinator.WithTimeout(config.Duration(sess.cfg.Order.Timeout)),
		coordinator.WithNotifier(coordinator.NotifierFunc(func(n coordinator.Notice) {
			mu.Lock()
			notice = &n
			mu.Unlock()
		})),
	)

	var done coordinator.Done
	switch op {
	case order.OpAdd:
		done, err = coord.AddItem(key, opts.Price)
	case order.OpRemove:
		done, err = coord.RemoveItem(key)
	case order.OpDecrement:
		done, err = coord.DecrementItem(key)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("cannot %s %s", op, key), err)
	}

	wait := opts.Wait
	if wait <= 0 {
		wait = DefaultWait
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		return NewExitError(ExitFailure, fmt.Sprintf("%s %s was not confirmed within %s", op, key, wait))
	case <-ctx.Done():
		return WrapExitError(ExitFailure, "interrupted", ctx.Err())
	}

	mu.Lock()
	n := notice
	mu.Unlock()

	view := newCartView(sess.carts)
	if err := writeCart(cmd.OutOrStdout(), opts.Format, view, n); err != nil {
		return err
	}
	if n != nil {
		return WrapExitError(ExitFailure, n.Message, n.Err)
	}
	return nil
}

// cartView is the printable form of a cart.
type cartView struct {
	OrderID string     `json:"order_id,omitempty"`
	Lines   []lineView `json:"lines"`
	Items   int        `json:"items"`
	Total   int64      `json:"total"`
}

type lineView struct {
	Item      string `json:"item"`
	Variant   string `json:"variant,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Subtotal  int64  `json:"subtotal"`
}

func newCartView(carts *cart.Store) cartView {
	lines := carts.Snapshot()
	view := cartView{
		OrderID: carts.OrderID(),
		Lines:   make([]lineView, 0, len(lines)),
		Items:   lines.Quantity(),
		Total:   lines.Total(),
	}
	for _, k := range lines.Keys() {
		l := lines[k]
		view.Lines = append(view.Lines, lineView{
			Item:      k.ItemID,
			Variant:   k.VariantID,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			Subtotal:  l.Subtotal(),
		})
	}
	return view
}

// writeCart prints view, and the rollback notice if there is one.
func writeCart(w io.Writer, format string, view cartView, n *coordinator.Notice) error {
	if format == "json" {
		response := CLIResponse{Status: "ok", Data: view}
		if n != nil {
			response.Status = "error"
			response.Error = &CLIError{
				Code:    "E_ROLLED_BACK",
				Message: n.Message,
				Details: map[string]string{
					"mutation": n.MutationID,
					"op":       string(n.Op),
					"key":      n.Key.String(),
					"reason":   string(n.Reason),
				},
			}
		}
		out := &OutputFormatter{Format: format, Writer: w}
		return out.Respond(response)
	}

	if n != nil {
		fmt.Fprintf(w, "✗ %s %s rolled back: %s\n", n.Op, n.Key, n.Message)
	}
	if len(view.Lines) == 0 {
		fmt.Fprintln(w, "Cart is empty.")
	} else {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ITEM\tVARIANT\tQTY\tPRICE\tSUBTOTAL")
		for _, l := range view.Lines {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", l.Item, l.Variant, l.Quantity, l.UnitPrice, l.Subtotal)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(w, "Items: %d  Total: %d\n", view.Items, view.Total)
	}
	if view.OrderID != "" {
		fmt.Fprintf(w, "Order: %s\n", view.OrderID)
	}
	return nil
}
