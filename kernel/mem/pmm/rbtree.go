// Package pmm contains the data structures that back the physical frame
// allocator: the in-band region headers (see header.go) and the red-black
// tree that indexes free regions by size (this file).
//
// Nodes of the tree are the free regions themselves: a region's header
// carries its colour and parent/left/right linkage, so indexing a region
// costs zero bookkeeping memory. This mirrors the CLRS red-black tree
// presentation exactly (rotations, transplant, insert/delete fix-up); the
// only departure is that every "pointer" is a uintptr into the managed
// physical address space rather than a language pointer.
package pmm

// RedBlackIndex is an ordered set of free regions keyed by total region
// size. A single sentinel node supplied by the caller plays the role of
// every nil leaf and of the parent of the root.
type RedBlackIndex struct {
	root     uintptr
	sentinel uintptr
}

// NewRedBlackIndex initializes an empty index using sentinelAddr as the
// permanent black sentinel node. sentinelAddr must point to at least
// FreeHeaderSize bytes of writable memory outside any region the index will
// ever hold, and must remain valid for the index's lifetime.
func NewRedBlackIndex(sentinelAddr uintptr) *RedBlackIndex {
	idx := &RedBlackIndex{sentinel: sentinelAddr}
	setColour(sentinelAddr, black)
	setParent(sentinelAddr, sentinelAddr)
	setLeft(sentinelAddr, sentinelAddr)
	setRight(sentinelAddr, sentinelAddr)
	idx.root = idx.sentinel
	return idx
}

// Sentinel returns the address of the index's sentinel node.
func (idx *RedBlackIndex) Sentinel() uintptr { return idx.sentinel }

// Empty reports whether the index currently holds no free regions.
func (idx *RedBlackIndex) Empty() bool { return idx.root == idx.sentinel }

func colourOf(addr uintptr) colour      { return readSizeAndFlags(addr).colour() }
func setColour(addr uintptr, c colour)  { writeSizeAndFlags(addr, readSizeAndFlags(addr).withColour(c)) }
func parentOf(addr uintptr) uintptr     { return loadPtr(addr + offParent) }
func setParent(addr uintptr, p uintptr) { storePtr(addr+offParent, p) }
func leftOf(addr uintptr) uintptr       { return loadPtr(addr + offLeft) }
func setLeft(addr uintptr, l uintptr)   { storePtr(addr+offLeft, l) }
func rightOf(addr uintptr) uintptr      { return loadPtr(addr + offRight) }
func setRight(addr uintptr, r uintptr)  { storePtr(addr+offRight, r) }
func keyOf(addr uintptr) uint64         { return readSizeAndFlags(addr).totalSize() }

// rotateLeft pivots x and its right child y: y becomes the parent of x and x
// becomes y's left subtree.
func (idx *RedBlackIndex) rotateLeft(x uintptr) {
	y := rightOf(x)
	setRight(x, leftOf(y))
	if leftOf(y) != idx.sentinel {
		setParent(leftOf(y), x)
	}
	setParent(y, parentOf(x))
	switch {
	case parentOf(x) == idx.sentinel:
		idx.root = y
	case x == leftOf(parentOf(x)):
		setLeft(parentOf(x), y)
	default:
		setRight(parentOf(x), y)
	}
	setLeft(y, x)
	setParent(x, y)
}

// rotateRight pivots y and its left child x: x becomes the parent of y and y
// becomes x's right subtree.
func (idx *RedBlackIndex) rotateRight(y uintptr) {
	x := leftOf(y)
	setLeft(y, rightOf(x))
	if rightOf(x) != idx.sentinel {
		setParent(rightOf(x), y)
	}
	setParent(x, parentOf(y))
	switch {
	case parentOf(y) == idx.sentinel:
		idx.root = x
	case y == leftOf(parentOf(y)):
		setLeft(parentOf(y), x)
	default:
		setRight(parentOf(y), x)
	}
	setRight(x, y)
	setParent(y, x)
}

// FindBestFit returns the smallest free region with key >= target, or the
// sentinel if no such region exists. The descent maintains a running
// candidate: at each visited node, if its key is >= target it becomes the
// new candidate before descending left (on a strictly-smaller key) or right.
func (idx *RedBlackIndex) FindBestFit(target uint64) uintptr {
	x := idx.root
	best := idx.sentinel
	for x != idx.sentinel {
		if keyOf(x) >= target {
			best = x
		}
		if target < keyOf(x) {
			x = leftOf(x)
		} else {
			x = rightOf(x)
		}
	}
	return best
}

// Insert links the free region at addr into the index. addr's size-and-flags
// word must already carry the region's key (and an allocated bit of false);
// Insert initializes its colour and linkage.
func (idx *RedBlackIndex) Insert(addr uintptr) {
	y := idx.descendToLeaf(keyOf(addr))

	setParent(addr, y)
	switch {
	case y == idx.sentinel:
		idx.root = addr
	case keyOf(addr) < keyOf(y):
		setLeft(y, addr)
	default:
		setRight(y, addr)
	}

	setLeft(addr, idx.sentinel)
	setRight(addr, idx.sentinel)
	setColour(addr, red)

	idx.insertFixup(addr)
}

// descendToLeaf performs a plain BST descent from the root and returns the
// leaf (or sentinel, for an empty tree) that would parent a new node with
// the given key. Ties (key >= node key) always descend right, so equal-sized
// regions stack to the right of one another.
func (idx *RedBlackIndex) descendToLeaf(key uint64) uintptr {
	x := idx.root
	y := idx.sentinel
	for x != idx.sentinel {
		y = x
		if key < keyOf(x) {
			x = leftOf(x)
		} else {
			x = rightOf(x)
		}
	}
	return y
}

func (idx *RedBlackIndex) insertFixup(z uintptr) {
	for colourOf(parentOf(z)) == red {
		parent := parentOf(z)
		grandparent := parentOf(parent)
		if parent == leftOf(grandparent) {
			uncle := rightOf(grandparent)
			if colourOf(uncle) == red {
				setColour(parent, black)
				setColour(uncle, black)
				setColour(grandparent, red)
				z = grandparent
				continue
			}
			if z == rightOf(parent) {
				z = parent
				idx.rotateLeft(z)
			}
			setColour(parentOf(z), black)
			setColour(parentOf(parentOf(z)), red)
			idx.rotateRight(parentOf(parentOf(z)))
		} else {
			uncle := leftOf(grandparent)
			if colourOf(uncle) == red {
				setColour(parent, black)
				setColour(uncle, black)
				setColour(grandparent, red)
				z = grandparent
				continue
			}
			if z == leftOf(parent) {
				z = parent
				idx.rotateRight(z)
			}
			setColour(parentOf(z), black)
			setColour(parentOf(parentOf(z)), red)
			idx.rotateLeft(parentOf(parentOf(z)))
		}
	}
	setColour(idx.root, black)
}

// transplant replaces the subtree rooted at u with the subtree rooted at v.
// v's parent is set to u's parent unconditionally, even when v is the
// sentinel: delete-fixup relies on the sentinel's parent field afterwards.
func (idx *RedBlackIndex) transplant(u, v uintptr) {
	switch {
	case parentOf(u) == idx.sentinel:
		idx.root = v
	case u == leftOf(parentOf(u)):
		setLeft(parentOf(u), v)
	default:
		setRight(parentOf(u), v)
	}
	setParent(v, parentOf(u))
}

// Inorder performs an inorder traversal of the index, invoking fn once per
// free region in ascending key order. It is used only for diagnostics and
// tests; ordinary allocation/free paths never need a full traversal.
func (idx *RedBlackIndex) Inorder(fn func(addr uintptr)) {
	var visit func(x uintptr)
	visit = func(x uintptr) {
		if x == idx.sentinel {
			return
		}
		visit(leftOf(x))
		fn(x)
		visit(rightOf(x))
	}
	visit(idx.root)
}

func (idx *RedBlackIndex) minimum(x uintptr) uintptr {
	for leftOf(x) != idx.sentinel {
		x = leftOf(x)
	}
	return x
}

// Delete unlinks the free region at addr from the index. It does not alter
// the region's contents beyond its colour/linkage fields; the caller is
// responsible for the region's fate afterwards (merge, re-insert, etc).
func (idx *RedBlackIndex) Delete(z uintptr) {
	y := z
	yOriginalColour := colourOf(y)

	var x uintptr
	switch {
	case leftOf(z) == idx.sentinel:
		x = rightOf(z)
		idx.transplant(z, x)
	case rightOf(z) == idx.sentinel:
		x = leftOf(z)
		idx.transplant(z, x)
	default:
		y = idx.minimum(rightOf(z))
		yOriginalColour = colourOf(y)
		x = rightOf(y)

		if parentOf(y) == z {
			setParent(x, y)
		} else {
			idx.transplant(y, x)
			setRight(y, rightOf(z))
			setParent(rightOf(y), y)
		}

		idx.transplant(z, y)
		setLeft(y, leftOf(z))
		setParent(leftOf(y), y)
		setColour(y, colourOf(z))
	}

	if yOriginalColour == black {
		idx.deleteFixup(x)
	}
}

func (idx *RedBlackIndex) deleteFixup(x uintptr) {
	for x != idx.root && colourOf(x) == black {
		if x == leftOf(parentOf(x)) {
			w := rightOf(parentOf(x))
			if colourOf(w) == red {
				setColour(w, black)
				setColour(parentOf(x), red)
				idx.rotateLeft(parentOf(x))
				w = rightOf(parentOf(x))
			}
			if colourOf(leftOf(w)) == black && colourOf(rightOf(w)) == black {
				setColour(w, red)
				x = parentOf(x)
				continue
			}
			if colourOf(rightOf(w)) == black {
				setColour(leftOf(w), black)
				setColour(w, red)
				idx.rotateRight(w)
				w = rightOf(parentOf(x))
			}
			setColour(w, colourOf(parentOf(x)))
			setColour(parentOf(x), black)
			setColour(rightOf(w), black)
			idx.rotateLeft(parentOf(x))
			x = idx.root
		} else {
			w := leftOf(parentOf(x))
			if colourOf(w) == red {
				setColour(w, black)
				setColour(parentOf(x), red)
				idx.rotateRight(parentOf(x))
				w = leftOf(parentOf(x))
			}
			if colourOf(rightOf(w)) == black && colourOf(leftOf(w)) == black {
				setColour(w, red)
				x = parentOf(x)
				continue
			}
			if colourOf(leftOf(w)) == black {
				setColour(rightOf(w), black)
				setColour(w, red)
				idx.rotateLeft(w)
				w = leftOf(parentOf(x))
			}
			setColour(w, colourOf(parentOf(x)))
			setColour(parentOf(x), black)
			setColour(leftOf(w), black)
			idx.rotateRight(parentOf(x))
			x = idx.root
		}
	}
	setColour(x, black)
}
