package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"kvrouter/pkg/types"
)

// ZKCatalog keeps the shard catalog in ZooKeeper so every router instance
// rebuilds the same directory on restart. Layout:
//
//	{root}/shards/{shardId}   data: {"replicas": [...]}
//	{root}/routers/{addr}     ephemeral, one per live router
type ZKCatalog struct {
	conn     *zk.Conn
	rootPath string
	local    string // router addr
}

type zkShardData struct {
	Replicas []types.NodeAddr `json:"replicas"`
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKCatalog(servers []string, rootPath, localAddr string, sessionTimeout time.Duration) (*ZKCatalog, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &ZKCatalog{
		conn:     conn,
		rootPath: strings.TrimRight(rootPath, "/"),
		local:    localAddr,
	}, nil
}

func (c *ZKCatalog) Close() error {
	c.conn.Close()
	return nil
}

func (c *ZKCatalog) shardsPath() string { return c.rootPath + "/shards" }

func (c *ZKCatalog) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := c.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = c.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf создаёт ephemeral-узел для текущего роутера
func (c *ZKCatalog) RegisterSelf(ctx context.Context) error {
	if err := c.waitConnected(ctx); err != nil {
		return err
	}
	if err := c.ensurePath(c.rootPath + "/routers"); err != nil {
		return fmt.Errorf("ensure routers path: %w", err)
	}
	if err := c.ensurePath(c.shardsPath()); err != nil {
		return fmt.Errorf("ensure shards path: %w", err)
	}

	nodePath := fmt.Sprintf("%s/routers/%s", c.rootPath, url.PathEscape(c.local))
	_, err := c.conn.Create(nodePath, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	slog.Info("registered router in zookeeper", "path", nodePath)
	return nil
}

// Publish stores a shard record. An existing record is replaced by
// delete+create so that watchers of the shards path observe the change.
func (c *ZKCatalog) Publish(shard types.ShardID, replicas []types.NodeAddr) error {
	data, err := encodeShardData(replicas)
	if err != nil {
		return err
	}
	if err := c.ensurePath(c.shardsPath()); err != nil {
		return fmt.Errorf("ensure shards path: %w", err)
	}

	path := c.shardsPath() + "/" + url.PathEscape(string(shard))
	if err := c.conn.Delete(path, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("zk delete %s: %w", path, err)
	}
	if _, err := c.conn.Create(path, data, 0, zk.WorldACL(zk.PermAll)); err != nil {
		return fmt.Errorf("zk create %s: %w", path, err)
	}
	return nil
}

func (c *ZKCatalog) readShard(child string) (ShardRecord, error) {
	data, _, err := c.conn.Get(c.shardsPath() + "/" + child)
	if err != nil {
		return ShardRecord{}, fmt.Errorf("zk get: %w", err)
	}
	return decodeShardData(child, data)
}

// RegisterFunc применяет запись каталога к локальному роутеру.
type RegisterFunc func(shard types.ShardID, replicas []types.NodeAddr)

func syncShards(children []string, read func(string) (ShardRecord, error), register RegisterFunc) int {
	applied := 0
	for _, child := range children {
		rec, err := read(child)
		if err != nil {
			// узел мог исчезнуть между Children и Get
			slog.Warn("skip shard record", "znode", child, "error", err)
			continue
		}
		register(rec.ID, rec.Replicas)
		applied++
	}
	return applied
}

// RunWatch следит за {root}/shards и отдает каждую запись в register.
// register должен применять ту же политику, что и REST-регистрация (включая track-on-register).
func (c *ZKCatalog) RunWatch(ctx context.Context, register RegisterFunc) {
	go func() {
		for {
			children, _, ch, err := c.conn.ChildrenW(c.shardsPath())
			if err != nil {
				slog.Warn("zk ChildrenW error", "error", err)
				select {
				case <-time.After(2 * time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}

			syncShards(children, c.readShard, register)

			select {
			case ev := <-ch:
				slog.Debug("zk event", "type", ev.Type, "path", ev.Path)
			case <-ctx.Done():
				slog.Info("zk watch stopped")
				return
			}
		}
	}()
}

func (c *ZKCatalog) waitConnected(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := c.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("zk: not connected, state=%v: %w", st, ctx.Err())
		case <-ticker.C:
		}
	}
}

func encodeShardData(replicas []types.NodeAddr) ([]byte, error) {
	if len(replicas) == 0 {
		return nil, fmt.Errorf("shard record without replicas")
	}
	return json.Marshal(zkShardData{Replicas: replicas})
}

func decodeShardData(child string, data []byte) (ShardRecord, error) {
	id, err := url.PathUnescape(child)
	if err != nil {
		return ShardRecord{}, fmt.Errorf("bad znode name %q: %w", child, err)
	}
	var d zkShardData
	if err := json.Unmarshal(data, &d); err != nil {
		return ShardRecord{}, fmt.Errorf("decode shard %q: %w", id, err)
	}
	if len(d.Replicas) == 0 {
		return ShardRecord{}, fmt.Errorf("shard %q has no replicas", id)
	}
	return ShardRecord{ID: types.ShardID(id), Replicas: d.Replicas}, nil
}
