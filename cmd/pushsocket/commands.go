package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"pushsocket/internal/handler"
	"pushsocket/internal/model"
	"pushsocket/internal/qrcode"
	"pushsocket/internal/safehttp"
	"pushsocket/internal/store"
	"pushsocket/internal/vapid"
)

const resolveTimeout = 10 * time.Second

const anonymizedWarning = `/!\ The endpoints are not fully anonymized. /!\
Unregister the client from its distributor to get a new endpoint if you share this output.
`

func (c *cli) connection(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(c.stderr, usage)
		return 2
	}
	switch args[0] {
	case "add":
		if len(args) != 5 {
			fmt.Fprintln(c.stderr, "usage: pushsocket connection add <uuid> <device_id> <password> <endpoint>")
			return 2
		}
		return c.addConnection(args[1], args[2], args[3], args[4])
	case "list":
		fs := flag.NewFlagSet("list", flag.ContinueOnError)
		fs.SetOutput(c.stderr)
		anonymized := fs.Bool("anonymized", false, "hide account ids, passwords and endpoint hosts")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		return c.listConnections(*anonymized)
	case "remove", "rm":
		if len(args) != 2 {
			fmt.Fprintln(c.stderr, "usage: pushsocket connection remove <uuid>")
			return 2
		}
		return c.removeConnection(args[1])
	default:
		fmt.Fprintf(c.stderr, "unknown connection command %q\n", args[0])
		return 2
	}
}

func (c *cli) openStore() (store.Storage, bool) {
	st, err := store.Open(c.cfg.DBDriver, c.cfg.DB)
	if err != nil {
		c.logger.Error().Err(err).Str("db", c.cfg.DB).Msg("Could not open the database")
		return nil, false
	}
	return st, true
}

func (c *cli) client() *safehttp.Client {
	return safehttp.New(safehttp.Options{Allowlist: c.cfg, Logger: c.logger})
}

func (c *cli) endpointAllowed(endpoint string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	return handler.EndpointAllowed(ctx, c.cfg, c.client(), endpoint)
}

func (c *cli) addConnection(accountID, device, password, endpoint string) int {
	id, err := uuid.Parse(accountID)
	if err != nil || !c.cfg.IsAccountAllowed(id.String()) {
		fmt.Fprintf(c.stdout, "UUID invalid or forbidden: %s\n", accountID)
		return 1
	}
	deviceID, err := strconv.ParseUint(device, 10, 32)
	if err != nil || deviceID == 0 {
		fmt.Fprintf(c.stdout, "Invalid device id: %s\n", device)
		return 1
	}
	if !c.endpointAllowed(endpoint) {
		fmt.Fprintf(c.stdout, "Endpoint invalid or forbidden: %s\n", endpoint)
		return 1
	}

	st, ok := c.openStore()
	if !ok {
		return 1
	}
	defer st.Close()

	err = st.Add(model.Registration{
		AccountID: id.String(),
		DeviceID:  uint32(deviceID),
		Password:  password,
		Endpoint:  endpoint,
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("Could not add the connection")
		return 1
	}
	fmt.Fprintf(c.stdout, "Connection for %s added.\n", id)
	return 0
}

type listedConnection struct {
	UUID             string `yaml:"uuid"`
	DeviceID         uint32 `yaml:"device_id"`
	Password         string `yaml:"password"`
	Endpoint         string `yaml:"endpoint"`
	Forbidden        bool   `yaml:"forbidden"`
	LastRegistration string `yaml:"last_registration,omitempty"`
}

func (c *cli) listConnections(anonymized bool) int {
	st, ok := c.openStore()
	if !ok {
		return 1
	}
	defer st.Close()

	regs, err := st.List()
	if err != nil {
		c.logger.Error().Err(err).Msg("Could not list connections")
		return 1
	}
	if anonymized {
		fmt.Fprint(c.stdout, anonymizedWarning)
	}
	if err := writeConnections(c.stdout, regs, anonymized); err != nil {
		c.logger.Error().Err(err).Msg("Could not print connections")
		return 1
	}
	return 0
}

func writeConnections(w io.Writer, regs []model.Registration, anonymized bool) error {
	out := make([]listedConnection, 0, len(regs))
	for _, reg := range regs {
		item := listedConnection{
			UUID:      reg.AccountID,
			DeviceID:  reg.DeviceID,
			Password:  reg.Password,
			Endpoint:  reg.Endpoint,
			Forbidden: reg.Forbidden,
		}
		if !reg.LastRegistration.IsZero() {
			item.LastRegistration = reg.LastRegistration.Format(time.RFC3339)
		}
		if anonymized {
			item.UUID = mask(item.UUID)
			item.Password = mask(item.Password)
			item.Endpoint = anonymizeURL(item.Endpoint)
		}
		out = append(out, item)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return err
	}
	return enc.Close()
}

// mask replaces everything but dashes, keeping the shape of a uuid.
func mask(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '-' {
			return r
		}
		return 'x'
	}, s)
}

// anonymizeURL swaps the host of raw for a placeholder. The path is kept
// since it is needed to debug most distributor setups.
func anonymizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return mask(raw)
	}
	u.User = nil
	if p := u.Port(); p != "" {
		u.Host = "fake.domain.tld:" + p
	} else {
		u.Host = "fake.domain.tld"
	}
	return u.String()
}

func (c *cli) removeConnection(accountID string) int {
	st, ok := c.openStore()
	if !ok {
		return 1
	}
	defer st.Close()

	if err := st.Remove(accountID); err != nil {
		c.logger.Error().Err(err).Msg("Could not remove the connection")
		return 1
	}
	fmt.Fprintf(c.stdout, "Connection for %s successfully removed.\n", accountID)
	return 0
}

func (c *cli) test(args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(c.stderr, "usage: pushsocket test endpoint <endpoint> | test uuid <uuid>")
		return 2
	}
	switch args[0] {
	case "endpoint":
		if c.endpointAllowed(args[1]) {
			fmt.Fprintf(c.stdout, "Endpoint %s is valid\n", args[1])
			return 0
		}
		fmt.Fprintf(c.stdout, "Endpoint %s is not valid\n", args[1])
		return 1
	case "uuid":
		return c.testUUID(args[1])
	default:
		fmt.Fprintf(c.stderr, "unknown test command %q\n", args[0])
		return 2
	}
}

func (c *cli) testUUID(accountID string) int {
	id, err := uuid.Parse(accountID)
	if err != nil || !c.cfg.IsAccountAllowed(id.String()) {
		fmt.Fprintf(c.stdout, "UUID %s is not valid\n", accountID)
		return 1
	}
	fmt.Fprintf(c.stdout, "UUID %s is valid\n", accountID)

	st, ok := c.openStore()
	if !ok {
		fmt.Fprintln(c.stdout, "  An error occurred while opening the DB.")
		return 1
	}
	defer st.Close()

	reg, err := st.Get(id.String())
	switch {
	case errors.Is(err, store.ErrNotFound):
		fmt.Fprintln(c.stdout, "  No connection is registered with this UUID.")
	case err != nil:
		fmt.Fprintln(c.stdout, "  An error occurred while reading the DB.")
		return 1
	case reg.Forbidden:
		fmt.Fprintln(c.stdout, "  The connection associated to this UUID is forbidden.")
	default:
		fmt.Fprintln(c.stdout, "  A connection is associated to this UUID and is ok.")
	}
	return 0
}

func generateVapid(stdout, stderr io.Writer) int {
	key, err := vapid.GenerateKey()
	if err != nil {
		fmt.Fprintf(stderr, "generate key: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, key)
	return 0
}

func (c *cli) vapid(args []string) int {
	if len(args) != 2 || args[0] != "test" {
		fmt.Fprintln(c.stderr, "usage: pushsocket vapid generate | vapid test <endpoint>")
		return 2
	}
	target, err := url.Parse(args[1])
	if err != nil || target.Host == "" {
		fmt.Fprintf(c.stdout, "Could not parse %s.\n", args[1])
		return 1
	}
	gen, err := vapid.NewGenerator(c.cfg.SigningPrivateKey())
	if err != nil {
		fmt.Fprintln(c.stdout, err)
		return 1
	}
	header, err := gen.HeaderFor(target)
	if err != nil {
		fmt.Fprintln(c.stdout, err)
		return 1
	}
	fmt.Fprintln(c.stdout, header)
	return 0
}

func (c *cli) qrcode(args []string) int {
	fs := flag.NewFlagSet("qrcode", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	airgapped := fs.Bool("airgapped", false, "link a relay the client cannot reach")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	gen, err := vapid.NewGenerator(c.cfg.SigningPrivateKey())
	if err != nil {
		fmt.Fprintln(c.stdout, err)
		return 1
	}
	pub, err := gen.PublicKey()
	if err != nil {
		fmt.Fprintln(c.stdout, err)
		return 1
	}

	var link string
	switch {
	case *airgapped:
		link, err = qrcode.AirgappedURL(pub)
	case fs.NArg() == 1:
		link, err = qrcode.LinkURL(pub, fs.Arg(0))
	default:
		fmt.Fprintln(c.stderr, "usage: pushsocket qrcode [-airgapped] [url]")
		return 2
	}
	if err != nil {
		fmt.Fprintln(c.stdout, err)
		return 1
	}

	code, err := qrcode.Terminal(link)
	if err != nil {
		c.logger.Error().Err(err).Msg("Could not render the QR code")
		return 1
	}
	fmt.Fprintf(c.stdout, "%s\n%s\n%s\n", qrcode.Intro, link, code)
	return 0
}
