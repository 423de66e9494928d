// cmd/imgutil_e2etest/main.go
// Copyright(c) 2026 steeb-k
// BSD licensed; see LICENSE for details.

// End-to-end exerciser for the imgutil binary. It fabricates a synthetic
// device file, drives capture / verify / extract / resume / parity
// through the real CLI, and checks the results byte for byte. Run it
// with imgutil on PATH; it leaves its scratch space in /tmp/imgutil_e2e
// on failure for inspection.

package main

import (
	"bytes"
	"log"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const workDir = "/tmp/imgutil_e2e"

var failed = false

func main() {
	seed := int64(os.Getpid())
	log.Printf("Seed %d", seed)
	rand.Seed(seed)

	_ = os.RemoveAll(workDir)
	if err := os.Mkdir(workDir, 0700); err != nil {
		log.Fatal(err)
	}

	device := filepath.Join(workDir, "device.bin")
	writeDevice(device, 8<<20+rand.Int63n(8<<20))

	fullCaptureTest(device)
	resumeTest(device)
	corruptionTest(device)

	if failed {
		log.Fatalf("FAILED; scratch space left in %s", workDir)
	}
	log.Printf("OK")
	_ = os.RemoveAll(workDir)
}

func writeDevice(path string, size int64) {
	f, err := os.Create(path)
	if err != nil {
		log.Fatal(err)
	}
	buf := make([]byte, 64*1024)
	var written int64
	for written < size {
		n := int64(len(buf))
		if n > size-written {
			n = size - written
		}
		if rand.Intn(2) == 0 {
			rand.Read(buf[:n])
		} else {
			fill := byte(rand.Intn(256))
			for i := int64(0); i < n; i++ {
				buf[i] = fill
			}
		}
		if _, err := f.Write(buf[:n]); err != nil {
			log.Fatal(err)
		}
		written += n
	}
	if err := f.Close(); err != nil {
		log.Fatal(err)
	}
}

func runCommand(c string, args ...string) ([]byte, error) {
	log.Printf("Running %s %v", c, args)
	all := append(strings.Fields(c), args...)
	cmd := exec.Command(all[0], all[1:]...)
	cmd.Stderr = os.Stderr
	return cmd.Output()
}

func check(err error, what string) {
	if err != nil {
		log.Printf("%s: %v", what, err)
		failed = true
	}
}

func filesEqual(a, b string) bool {
	ba, err := os.ReadFile(a)
	if err != nil {
		log.Printf("%s: %v", a, err)
		return false
	}
	bb, err := os.ReadFile(b)
	if err != nil {
		log.Printf("%s: %v", b, err)
		return false
	}
	return bytes.Equal(ba, bb)
}

func fullCaptureTest(device string) {
	img := filepath.Join(workDir, "full.img")
	_, err := runCommand("imgutil capture --chunk-size 1048576 -j 4", device, img)
	check(err, "capture")

	_, err = runCommand("imgutil verify", img)
	check(err, "verify")
	_, err = runCommand("imgutil verify --quick", img)
	check(err, "quick verify")

	out := filepath.Join(workDir, "full.out")
	_, err = runCommand("imgutil extract -o "+out, img)
	check(err, "extract")
	if !filesEqual(device, out) {
		log.Printf("extracted bytes differ from device")
		failed = true
	}

	// Random sub-range extraction.
	fi, err := os.Stat(device)
	if err != nil {
		log.Fatal(err)
	}
	off := rand.Int63n(fi.Size())
	length := 1 + rand.Int63n(fi.Size()-off)
	part := filepath.Join(workDir, "part.out")
	_, err = runCommand("imgutil extract -o "+part,
		"--offset", itoa(off), "--length", itoa(length), img)
	check(err, "partial extract")
	devBytes, _ := os.ReadFile(device)
	partBytes, _ := os.ReadFile(part)
	if !bytes.Equal(partBytes, devBytes[off:off+length]) {
		log.Printf("partial extract (%d, %d) differs from device", off, length)
		failed = true
	}
}

func resumeTest(device string) {
	// Capture the first few chunks, close cleanly, then resume; the
	// result must be identical to a one-shot capture.
	img := filepath.Join(workDir, "resumed.img")
	_, err := runCommand("imgutil capture --chunk-size 1048576 --max-bytes 3145728", device, img)
	check(err, "partial capture")

	_, err = runCommand("imgutil capture --resume --chunk-size 1048576", device, img)
	check(err, "resumed capture")

	_, err = runCommand("imgutil verify", img)
	check(err, "verify after resume")

	if !filesEqual(img, filepath.Join(workDir, "full.img")) {
		log.Printf("resumed container differs from one-shot capture")
		failed = true
	}
}

func corruptionTest(device string) {
	img := filepath.Join(workDir, "victim.img")
	_, err := runCommand("imgutil capture --chunk-size 1048576", device, img)
	check(err, "capture")
	_, err = runCommand("imgutil parity create", img)
	check(err, "parity create")

	pristine, err := os.ReadFile(img)
	if err != nil {
		log.Fatal(err)
	}

	// Flip one byte somewhere past the header.
	f, err := os.OpenFile(img, os.O_RDWR, 0)
	if err != nil {
		log.Fatal(err)
	}
	fi, _ := f.Stat()
	off := 64 + rand.Int63n(fi.Size()-128)
	var b [1]byte
	f.ReadAt(b[:], off)
	b[0] ^= 0xa5
	f.WriteAt(b[:], off)
	f.Close()
	log.Printf("flipped byte at %d", off)

	if _, err := runCommand("imgutil parity check", img); err == nil {
		log.Printf("parity check passed a corrupted image")
		failed = true
	}
	_, err = runCommand("imgutil parity restore", img)
	check(err, "parity restore")

	recovered, err := os.ReadFile(img + ".recovered")
	if err != nil {
		log.Printf("%s.recovered: %v", img, err)
		failed = true
	} else if !bytes.Equal(recovered, pristine) {
		log.Printf("recovered image differs from the pre-corruption container")
		failed = true
	}
	_, err = runCommand("imgutil verify", img+".recovered")
	check(err, "verify recovered image")
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
