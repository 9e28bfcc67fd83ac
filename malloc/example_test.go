package malloc

import "fmt"

func Example() {
	a, _ := New(1 << 20)

	b1 := a.Malloc(100)
	b2 := a.Malloc(40)

	fmt.Printf("b1: len=%d cap=%d\n", len(b1), cap(b1))
	fmt.Printf("b2: len=%d cap=%d\n", len(b2), cap(b2))

	a.Free(b1)
	a.Free(b2)
	fmt.Println("heap ok:", a.CheckHeap(false) == nil)

	// Output:
	// b1: len=100 cap=100
	// b2: len=40 cap=44
	// heap ok: true
}
