package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"tomo.ai/internal/ledger/address"
	"tomo.ai/internal/protocol"
)

type client struct {
	conn   *websocket.Conn
	log    *log.Logger
	nextID int
}

func main() {
	var (
		url   = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name  = flag.String("name", "bot", "client name; also seeds the identity")
		uid   = flag.String("uid", "", "creature uid (default: <name>-<random>)")
		coins = flag.Int("coins", 12, "get_coin calls before feeding")
		wait  = flag.Duration("wait", 500*time.Millisecond, "pause for oracle callbacks")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	if *uid == "" {
		*uid = *name + "-" + strconv.Itoa(r.Intn(1_000_000))
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	c := &client{conn: conn, log: logger}

	identity := address.Named("bot/" + *name)
	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Identity:        identity.String(),
		ClientName:      *name,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		logger.Fatalf("read WELCOME: %v", err)
	}
	var w protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &w); err != nil || w.Type != protocol.TypeWelcome {
		logger.Fatalf("expected WELCOME, got %s", msg)
	}
	logger.Printf("WELCOME session=%s identity=%s program=%s venues=%v", w.SessionID, identity.Short(), w.ProgramID[:8], w.Venues)

	c.op("init", *uid, nil)
	for i := 0; i < *coins; i++ {
		c.op("get_coin", *uid, nil)
	}
	c.op("feed", *uid, nil)
	c.op("trigger_item_drop", *uid, nil)
	c.op("open_item_drop", *uid, func(m *protocol.OpMsg) { m.ClientSeed = uint8(r.Intn(256)) })
	c.op("random_event", *uid, func(m *protocol.OpMsg) { m.ClientSeed = uint8(r.Intn(256)) })
	time.Sleep(*wait)
	c.get(*uid)
	c.op("use_item", *uid, func(m *protocol.OpMsg) { m.Index = 0 })

	c.op("delegate", *uid, nil)
	c.op("get_coin", *uid, nil)
	c.get(*uid)
	c.op("undelegate", *uid, nil)
	time.Sleep(*wait)
	c.get(*uid)
}

func (c *client) id() string {
	c.nextID++
	return "B" + strconv.Itoa(c.nextID)
}

func (c *client) op(name, uid string, fill func(*protocol.OpMsg)) {
	m := protocol.OpMsg{Type: protocol.TypeOp, ProtocolVersion: protocol.Version, ID: c.id(), Op: name, UID: uid}
	if fill != nil {
		fill(&m)
	}
	if err := c.conn.WriteJSON(m); err != nil {
		c.log.Fatalf("send %s: %v", name, err)
	}
	var res protocol.ResultMsg
	c.await(m.ID, &res)
	if !res.OK {
		c.log.Printf("%-18s FAIL %s %s", name, res.Code, res.Message)
		return
	}
	item := ""
	if res.Item != nil {
		item = fmt.Sprintf(" item=%d", *res.Item)
	}
	c.log.Printf("%-18s ok venue=%s slot=%d%s logs=%q", name, res.Venue, res.Slot, item, res.Logs)
}

func (c *client) get(uid string) {
	m := protocol.GetMsg{Type: protocol.TypeGet, ProtocolVersion: protocol.Version, ID: c.id(), UID: uid}
	if err := c.conn.WriteJSON(m); err != nil {
		c.log.Fatalf("send GET: %v", err)
	}
	var rec protocol.RecordMsg
	c.await(m.ID, &rec)
	if !rec.OK || rec.Record == nil {
		c.log.Printf("GET FAIL %s %s", rec.Code, rec.Message)
		return
	}
	v := rec.Record
	c.log.Printf("GET %s hunger=%d coins=%d drop=%v inv=%v delegated=%v venue=%s stale=%v",
		v.UID, v.Hunger, v.Coins, v.ItemDrop, v.Inventory, rec.Delegated, rec.Venue, rec.Stale)
}

// await reads until the reply for id arrives and decodes it into out.
func (c *client) await(id string, out any) {
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(15 * time.Second))
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.log.Fatalf("read: %v", err)
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		var tagged struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(msg, &tagged)
		if base.Type == protocol.TypeError {
			c.log.Fatalf("ERROR %s", msg)
		}
		if tagged.ID != id {
			continue
		}
		if err := json.Unmarshal(msg, out); err != nil {
			c.log.Fatalf("decode %s: %v", base.Type, err)
		}
		return
	}
}
