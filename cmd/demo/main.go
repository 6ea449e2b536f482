package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
)

func call(method, base, key, value string) {
	endpoint := base + "/api/v1/keys/" + url.PathEscape(key)

	var req *http.Request
	var err error

	switch method {
	case "put":
		fmt.Printf("[client] PUT    key=%s value=%s → %s\n", key, value, base)
		req, err = http.NewRequest(http.MethodPut, endpoint, strings.NewReader(value))
	case "get":
		fmt.Printf("[client] GET    key=%s → %s\n", key, base)
		req, err = http.NewRequest(http.MethodGet, endpoint, nil)
	case "delete":
		fmt.Printf("[client] DELETE key=%s → %s\n", key, base)
		req, err = http.NewRequest(http.MethodDelete, endpoint, nil)
	default:
		log.Printf("unsupported method: %s\n", method)
		return
	}
	if err != nil {
		log.Println(method, "error:", err)
		return
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Println(method, "error:", err)
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("[client] RESPONSE %d: %s", resp.StatusCode, body)
}

func pause(msg string) {
	fmt.Println()
	fmt.Println(msg)
	fmt.Print("Нажми Enter, чтобы продолжить...")
	_, _ = bufio.NewReader(os.Stdin).ReadBytes('\n')
}

type shardLocation struct {
	ShardID string   `json:"shardId"`
	Nodes   []string `json:"nodes"`
}

func registerShard(base, shardID string, nodes []string) {
	body, _ := json.Marshal(map[string]any{"shardId": shardID, "restNodes": nodes})
	resp, err := http.Post(base+"/shard-manager/register-shard", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("register %s: %v", shardID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		log.Fatalf("register %s: status %d: %s", shardID, resp.StatusCode, b)
	}
	fmt.Printf("  %s → %v\n", shardID, nodes)
}

func locate(base, key string) (shardLocation, error) {
	var loc shardLocation
	resp, err := http.Get(base + "/shard-manager/shard/" + url.PathEscape(key))
	if err != nil {
		return loc, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&loc); err != nil {
		return loc, err
	}
	return loc, nil
}

// статическое размещение для демонстрации: 3 шарда, у каждого 3 реплики,
// адреса нод передаются аргументами
func demoShards(nodes []string) map[string][]string {
	const shards = 3
	out := make(map[string][]string, shards)
	for s := 0; s < shards; s++ {
		id := fmt.Sprintf("shard-%d", s)
		for i := range nodes {
			out[id] = append(out[id], nodes[(s+i)%len(nodes)])
		}
	}
	return out
}

func main() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: demo http://router:8080 http://node1:8081 [http://node2:8081 ...]")
		os.Exit(1)
	}

	base := strings.TrimRight(os.Args[1], "/")
	nodes := os.Args[2:]

	fmt.Println("=== [ШАГ 0] регистрируем шарды ===")
	shards := demoShards(nodes)
	ids := make([]string, 0, len(shards))
	for id := range shards {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		registerShard(base, id, shards[id])
	}

	fmt.Println("\n=== БАЗОВАЯ ПРОВЕРКА API ===")
	call("put", base, "user:1", "Alice")
	call("put", base, "user:2", "Bob")
	call("put", base, "config:timeout", "30s")

	call("get", base, "user:1", "")
	call("put", base, "user:1", "Alice Updated")
	call("get", base, "user:1", "")

	call("delete", base, "user:2", "")
	call("get", base, "user:2", "")

	const totalKeys = 100
	fmt.Printf("\n=== [ШАГ 1] вставляем %d тестовых ключей ===\n", totalKeys)
	for i := 0; i < totalKeys; i++ {
		call("put", base, fmt.Sprintf("key-%d", i), fmt.Sprintf("val-%d", i))
	}

	fmt.Println("\n=== [ШАГ 2] распределение ключей по шардам (consistent hashing) ===")
	shardCounts := make(map[string]int)
	for i := 0; i < totalKeys; i++ {
		key := fmt.Sprintf("key-%d", i)
		loc, err := locate(base, key)
		if err != nil {
			fmt.Printf("  key=%s: locate error: %v\n", key, err)
			continue
		}
		shardCounts[loc.ShardID]++
	}
	for _, id := range ids {
		fmt.Printf("  %s → %d keys; реплики: %v\n", id, shardCounts[id], shards[id])
	}

	pause(`=== [ШАГ 3] ТЕСТ ОТКАЗА НОДЫ ===
1) Останови ОДНУ из нод, например:
   docker compose stop node3
2) Подожди, пока роутер выселит её по таймауту heartbeat (stale_threshold),
   а Raft-группы выберут новых лидеров.
После этого проверим, что чтения и записи идут на живые реплики.`)

	fmt.Println("\n=== [ШАГ 4] проверяем доступность ключей после падения ноды ===")
	call("get", base, "user:1", "")

	var okCount, notFoundCount, errCount int
	for i := 0; i < totalKeys; i++ {
		key := fmt.Sprintf("key-%d", i)
		resp, err := http.Get(base + "/api/v1/keys/" + url.PathEscape(key))
		if err != nil {
			fmt.Printf("[check] key=%s ERROR: %v\n", key, err)
			errCount++
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			okCount++
		case http.StatusNotFound:
			notFoundCount++
		default:
			errCount++
			fmt.Printf("[check] key=%s status=%d body=%s\n", key, resp.StatusCode, body)
		}
	}

	fmt.Printf("\n=== РЕЗЮМЕ ПОСЛЕ ПАДЕНИЯ НОДЫ ===\n")
	fmt.Printf("  OK (ключ найден):      %d\n", okCount)
	fmt.Printf("  NOT FOUND (потерян):   %d\n", notFoundCount)
	fmt.Printf("  ERR (другая ошибка):   %d\n", errCount)
}
