package nros_test

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/jpl-au/nros"
)

func Example() {
	dir, _ := os.MkdirTemp("", "nros-example")
	defer os.RemoveAll(dir)

	// A 16 MiB file stands in for a block device.
	path := filepath.Join(dir, "pool.img")
	if err := os.WriteFile(path, make([]byte, 16<<20), 0o644); err != nil {
		log.Fatal(err)
	}
	dev, err := nros.OpenFileDevice(path, 512)
	if err != nil {
		log.Fatal(err)
	}

	// One chain, one device, defaults everywhere.
	store, err := nros.Create([][]nros.Device{{dev}}, nros.Config{})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	// Allocate an object, write, and make it durable.
	id, _ := store.AllocateObject()
	store.Write(id, 0, []byte("hello, object store"))
	if err := store.Commit(); err != nil {
		log.Fatal(err)
	}

	data, _ := store.Read(id, 0, 19)
	fmt.Println(string(data))
	// Output: hello, object store
}

func ExampleStore_Resize() {
	dir, _ := os.MkdirTemp("", "nros-example")
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "pool.img")
	os.WriteFile(path, make([]byte, 16<<20), 0o644)
	dev, _ := nros.OpenFileDevice(path, 512)

	store, _ := nros.Create([][]nros.Device{{dev}}, nros.Config{})
	defer store.Close()

	// A sparse object: a megabyte of logical length, no blocks until
	// something is written.
	id, _ := store.AllocateObject()
	store.Resize(id, 1<<20)
	n, _ := store.ObjectLen(id)
	fmt.Println(n)
	// Output: 1048576
}
