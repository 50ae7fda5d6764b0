//go:build go1.22

package goruntime

import (
	_ "unsafe" // required for go:linkname
)

//go:linkname mallocInit runtime.mallocinit
func mallocInit()

//go:linkname randInit runtime.randinit
func randInit()

//go:linkname algInit runtime.alginit
func algInit()

//go:linkname modulesInit runtime.modulesinit
func modulesInit()

//go:linkname typeLinksInit runtime.typelinksinit
func typeLinksInit()

//go:linkname itabsInit runtime.itabsinit
func itabsInit()
