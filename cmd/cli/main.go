// Command acousticdna indexes reference tracks and identifies audio streams
// against them.
//
// Usage:
//
//	acousticdna [flags] <command> [args]
//
// Commands:
//
//	index   - fingerprint a file or a directory of audio files
//	listen  - run identification sessions over a WAV stream
//	list    - list indexed tracks
//	delete  - remove a track and its fingerprints
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printBanner() {
	banner := `
   _                      _   _      ____  _   _    _    
  / \   ___ ___  _   _ ___| |_(_) ___|  _ \| \ | |  / \   
 / _ \ / __/ _ \| | | / __| __| |/ __| | | |  \| | / _ \  
/ ___ \ (_| (_) | |_| \__ \ |_| | (__| |_| | |\  |/ ___ \ 
\_/   \_/___\___/ \__,_|___/\__|_|\___|____/|_| \_/_/   \_/
                                                            
           Continuous Audio Identification
`
	fmt.Println(banner)
}
