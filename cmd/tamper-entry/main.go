package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Entry mirrors the stored entry layout so we can corrupt it in place.
type Entry struct {
	Content   string `json:"content"`
	Author    string `json:"author"`
	Timestamp string `json:"timestamp"`
	Signature string `json:"signature"`
}

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <repo-path> <fingerprint>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "This tool corrupts the first entry in the given partition without re-signing it\n")
		os.Exit(1)
	}

	repoPath := os.Args[1]
	fingerprint := os.Args[2]

	fmt.Printf("Opening repository: %s\n", repoPath)
	fmt.Printf("Target partition: users/%s\n", fingerprint)

	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open repository: %v\n", err)
		os.Exit(1)
	}

	refName := plumbing.NewBranchReferenceName("users/" + fingerprint)
	ref, err := repo.Reference(refName, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Partition not found: %v\n", err)
		os.Exit(1)
	}

	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read head commit: %v\n", err)
		os.Exit(1)
	}
	tree, err := commit.Tree()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read tree: %v\n", err)
		os.Exit(1)
	}

	entries := make([]object.TreeEntry, len(tree.Entries))
	copy(entries, tree.Entries)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	var target *object.TreeEntry
	var targetEntry Entry

	for i := range entries {
		blob, err := repo.BlobObject(entries[i].Hash)
		if err != nil {
			continue
		}
		reader, err := blob.Reader()
		if err != nil {
			continue
		}
		data, err := io.ReadAll(reader)
		reader.Close()
		if err != nil {
			continue
		}
		if err := json.Unmarshal(data, &targetEntry); err != nil || targetEntry.Signature == "" {
			continue
		}
		target = &entries[i]
		fmt.Printf("Found entry: %s\n", target.Name)
		fmt.Printf("  Original content: %s\n", targetEntry.Content)
		break
	}

	if target == nil {
		fmt.Fprintf(os.Stderr, "No entries found in partition users/%s\n", fingerprint)
		os.Exit(1)
	}

	// Rewrite the content but keep the signature, the exact attack the
	// verifier exists to catch.
	targetEntry.Content = targetEntry.Content + " (tampered)"
	fmt.Printf("Corrupted content: %s\n", targetEntry.Content)

	corrupted, err := json.MarshalIndent(&targetEntry, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal corrupted entry: %v\n", err)
		os.Exit(1)
	}

	blobObj := repo.Storer.NewEncodedObject()
	blobObj.SetType(plumbing.BlobObject)
	writer, err := blobObj.Writer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write blob: %v\n", err)
		os.Exit(1)
	}
	if _, err := writer.Write(corrupted); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write blob: %v\n", err)
		os.Exit(1)
	}
	writer.Close()
	blobHash, err := repo.Storer.SetEncodedObject(blobObj)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to store blob: %v\n", err)
		os.Exit(1)
	}

	for i := range entries {
		if entries[i].Name == target.Name {
			entries[i].Hash = blobHash
		}
	}

	newTree := &object.Tree{Entries: entries}
	treeObj := repo.Storer.NewEncodedObject()
	if err := newTree.Encode(treeObj); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode tree: %v\n", err)
		os.Exit(1)
	}
	treeHash, err := repo.Storer.SetEncodedObject(treeObj)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to store tree: %v\n", err)
		os.Exit(1)
	}

	sig := object.Signature{Name: "tamper-entry", Email: "tamper@local", When: time.Now()}
	newCommit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      "Routine maintenance",
		TreeHash:     treeHash,
		ParentHashes: []plumbing.Hash{ref.Hash()},
	}
	commitObj := repo.Storer.NewEncodedObject()
	if err := newCommit.Encode(commitObj); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode commit: %v\n", err)
		os.Exit(1)
	}
	commitHash, err := repo.Storer.SetEncodedObject(commitObj)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to store commit: %v\n", err)
		os.Exit(1)
	}

	if err := repo.Storer.SetReference(plumbing.NewHashReference(refName, commitHash)); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to update reference: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("✓ Successfully corrupted entry")
	fmt.Println("Run 'meshlog show' or 'meshlog status' to see it flagged")
}
