package cmd

import (
	"fmt"
	"io"
)

const banner = `
 __      __         __         .__   __                              
/  \    /  \_____ _/  |_  ____ |  |_/  |_  ______  _  __ ___________ 
\   \/\/   /\__  \\   __\/ ___\|  |  \   __\/  _ \ \/ \/ // __ \_  __ \
 \        /  / __ \|  | \  \___|   Y  \  | (  <_> )     /\  ___/|  | \/
  \__/\  /  (____  /__|  \___  >___|  /__|  \____/ \/\_/  \___  >__|   
       \/        \/          \/     \/                        \/       
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Reference SSO Service - Version %s\x1b[0m\n\n", Version)
}
